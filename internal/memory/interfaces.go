// Package memory keeps four layers of conversational memory: a per-session
// thread, an episodic chat log, the semantic graph shared with the RAG store,
// and procedural patterns. A risk gate decides which turns become semantic
// facts.
package memory

import (
	"context"
	"time"

	"github.com/normanking/helix/internal/llm"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer makes completion calls for scoring and extraction.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Layer names a memory layer.
type Layer string

const (
	LayerThread     Layer = "thread"
	LayerEpisodic   Layer = "episodic"
	LayerSemantic   Layer = "semantic"
	LayerProcedural Layer = "procedural"
)

// Turn is one message of a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Backend   string    `json:"backend,omitempty"`
}

// Message converts the turn for a chat history.
func (t Turn) Message() llm.Message {
	return llm.Message{Role: t.Role, Content: t.Content}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OLLAMA BINDINGS
// ═══════════════════════════════════════════════════════════════════════════════

// OllamaEmbedder embeds through the local daemon with a fixed model.
type OllamaEmbedder struct {
	Client *llm.OllamaClient
	Model  string
}

func (e OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.Client.Embed(ctx, e.Model, text)
}

// OllamaCompleter completes through the local daemon in JSON mode.
type OllamaCompleter struct {
	Client *llm.OllamaClient
	Model  string
}

func (c OllamaCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return c.Client.Complete(ctx, c.Model, prompt, llm.GenerateOptions{JSON: true, Temperature: 0})
}
