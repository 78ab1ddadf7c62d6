package analysis

import (
	"strings"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// CollectionErrorClassifier decides whether a collection failure reported by the
// worker is worth retrying. It must return CollectionStatusFailed or
// CollectionStatusRetryNeeded; anything else is treated as failed.
type CollectionErrorClassifier interface {
	Classify(message string) model.CollectionStatus
}

// ClassifierFunc adapts a function to CollectionErrorClassifier.
type ClassifierFunc func(message string) model.CollectionStatus

// Classify implements CollectionErrorClassifier.
func (f ClassifierFunc) Classify(message string) model.CollectionStatus { return f(message) }

// DefaultTransientPatterns are matched case-insensitively against callback errors.
var DefaultTransientPatterns = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"temporarily",
	"unavailable",
	"connection reset",
}

// KeywordClassifier marks an error transient when it contains any configured pattern.
type KeywordClassifier struct {
	patterns []string
}

// NewKeywordClassifier returns a classifier for the given patterns. Empty patterns are skipped.
func NewKeywordClassifier(patterns ...string) *KeywordClassifier {
	c := &KeywordClassifier{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			c.patterns = append(c.patterns, p)
		}
	}
	return c
}

// DefaultClassifier returns a KeywordClassifier over DefaultTransientPatterns.
func DefaultClassifier() *KeywordClassifier {
	return NewKeywordClassifier(DefaultTransientPatterns...)
}

// Classify implements CollectionErrorClassifier.
func (c *KeywordClassifier) Classify(message string) model.CollectionStatus {
	msg := strings.ToLower(message)
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return model.CollectionStatusRetryNeeded
		}
	}
	return model.CollectionStatusFailed
}
