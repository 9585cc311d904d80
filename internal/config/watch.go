package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/normanking/helix/internal/logging"
)

// WatchRAG reloads app_settings.json whenever it changes on disk and passes
// the new RAG settings to fn. Invalid edits are logged and ignored.
func (c *Config) WatchRAG(fn func(RAGSettings)) {
	logger := logging.Component("config")
	path := filepath.Join(c.Dir, AppSettingsFile)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("config watch disabled")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := DefaultAppSettings()
		if err := v.Unmarshal(&next); err != nil {
			logger.Warn().Err(err).Msg("ignoring invalid app settings")
			return
		}
		if next.RAG.Overlap >= next.RAG.ChunkSize {
			logger.Warn().Int("overlap", next.RAG.Overlap).Int("chunk_size", next.RAG.ChunkSize).Msg("ignoring invalid rag settings")
			return
		}
		logger.Info().Str("file", e.Name).Msg("app settings reloaded")
		fn(next.RAG)
	})
	v.WatchConfig()
}
