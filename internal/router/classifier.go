package router

import (
	"regexp"
	"strings"
)

// phaseTasks maps workflow phase tags onto task types. A recognized phase
// always wins over keyword heuristics.
var phaseTasks = map[string]TaskType{
	"plan":      TaskPlan,
	"planning":  TaskPlan,
	"implement": TaskImplement,
	"research":  TaskResearch,
	"review":    TaskReview,
	"verify":    TaskVerify,
	"chat":      TaskChat,
}

// Classifier implements rule-based task classification: phase first, then
// weighted keyword patterns, else CHAT.
type Classifier struct {
	patterns map[TaskType][]*compiledPattern
}

// compiledPattern holds a pre-compiled regex with its weight.
type compiledPattern struct {
	regex  *regexp.Regexp
	weight float64
}

// NewClassifier creates a classifier with the built-in patterns.
func NewClassifier() *Classifier {
	return &Classifier{patterns: buildPatterns()}
}

// Classify returns the task type and a confidence in [0,1].
func (c *Classifier) Classify(phase, text string) (TaskType, float64) {
	if t, ok := phaseTasks[strings.ToLower(strings.TrimSpace(phase))]; ok {
		return t, 1.0
	}
	return c.classifyText(text)
}

func (c *Classifier) classifyText(text string) (TaskType, float64) {
	lower := strings.ToLower(text)

	scores := make(map[TaskType]float64)
	matchCounts := make(map[TaskType]int)
	for taskType, patterns := range c.patterns {
		for _, p := range patterns {
			if p.regex.MatchString(lower) {
				scores[taskType] += p.weight
				matchCounts[taskType]++
			}
		}
	}

	var totalScore, bestScore float64
	best := TaskChat
	// Iterate in a fixed order so ties resolve deterministically.
	for _, t := range AllTaskTypes() {
		score := scores[t]
		totalScore += score
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	if totalScore == 0 {
		return TaskChat, 0.5
	}

	confidence := bestScore / totalScore
	if len(scores) == 1 {
		confidence = min(confidence+0.25, 1.0)
	}
	if matchCounts[best] >= 2 {
		confidence = min(confidence+0.1, 1.0)
	}
	if len(scores) > 1 {
		if second := secondBest(scores, best); second > 0 && (bestScore-second)/bestScore < 0.3 {
			confidence *= 0.8
		}
	}
	return best, confidence
}

func secondBest(scores map[TaskType]float64, best TaskType) float64 {
	var second float64
	for t, s := range scores {
		if t != best && s > second {
			second = s
		}
	}
	return second
}

func buildPatterns() map[TaskType][]*compiledPattern {
	p := func(expr string, w float64) *compiledPattern {
		return &compiledPattern{regex: regexp.MustCompile(expr), weight: w}
	}
	return map[TaskType][]*compiledPattern{
		TaskPlan: {
			p(`\b(plan|design|architect|roadmap|strategy)\b`, 1.0),
			p(`\b(how\s+should\s+i|what\s+approach|best\s+(approach|way))\b`, 0.9),
			p(`\b(trade-?offs?|pros?\s+and\s+cons?)\b`, 0.9),
			p(`\bbreak\s+(this|it)\s+down\b`, 0.8),
		},
		TaskImplement: {
			p(`\b(implement|write|create|generate|build|add)\s+.{0,30}(function|class|component|module|file|method|endpoint|feature|test)s?\b`, 1.2),
			p(`\b(refactor|rename|migrate|port)\b`, 1.0),
			p(`\b(fix|patch)\s+(the|this|a)\s+(bug|error|issue|crash)\b`, 1.1),
			p(`\bwrite\s+(me\s+)?(some\s+)?code\b`, 1.1),
			p(`\bcan\s+you\s+(write|create|make|build|implement)\b`, 0.9),
		},
		TaskResearch: {
			p(`\b(research|investigate|look\s+up|find\s+out|survey)\b`, 1.1),
			p(`\b(compare|comparison|alternatives?\s+to)\b`, 0.9),
			p(`\b(latest|state\s+of\s+the\s+art|documentation\s+for|docs\s+for)\b`, 0.8),
			p(`\bwhat\s+(libraries|tools|options)\b`, 0.9),
		},
		TaskReview: {
			p(`\b(review|audit|critique)\b`, 1.1),
			p(`\b(code\s+review|pr\s+review|pull\s+request)\b`, 1.2),
			p(`\b(look\s+at|examine|inspect)\s+(this|my|the)\s+(code|file|changes|diff)\b`, 0.9),
			p(`\b(feedback|suggestions)\s+(on|for)\b`, 0.8),
		},
		TaskVerify: {
			p(`\b(verify|validate|double-?check|confirm)\b`, 1.1),
			p(`\b(does\s+(this|it)\s+(pass|work)|run\s+the\s+tests)\b`, 0.9),
			p(`\b(sanity\s+check|acceptance\s+criteria)\b`, 1.0),
		},
	}
}
