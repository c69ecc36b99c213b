// Package manifest models the engagement manifest served by the backend and caches it per locale.
package manifest

import (
	"time"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/patrickmn/go-cache"
)

// DefaultMaxAge applies when the backend does not state a lifetime.
const DefaultMaxAge = time.Hour

// Interaction is a prompt the host application can present.
type Interaction struct {
	ID            string         `json:"id" yaml:"id"`
	Type          string         `json:"type" yaml:"type"`
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// Target binds an interaction to a code point under some criteria.
type Target struct {
	InteractionID string         `json:"interaction_id" yaml:"interaction_id"`
	Criteria      map[string]any `json:"criteria,omitempty" yaml:"criteria,omitempty"`
}

// Manifest lists interactions and the code point targets that can show them.
type Manifest struct {
	Interactions  []Interaction       `json:"interactions" yaml:"interactions"`
	Targets       map[string][]Target `json:"targets" yaml:"targets"`
	MaxAgeSeconds int                 `json:"max_age_seconds,omitempty" yaml:"max_age_seconds,omitempty"`
}

// MaxAge returns how long the manifest may be cached.
func (m Manifest) MaxAge() time.Duration {
	if m.MaxAgeSeconds <= 0 {
		return DefaultMaxAge
	}
	return time.Duration(m.MaxAgeSeconds) * time.Second
}

// Interaction looks up an interaction by id.
func (m Manifest) Interaction(id string) (Interaction, bool) {
	for _, in := range m.Interactions {
		if in.ID == id {
			return in, true
		}
	}
	return Interaction{}, false
}

// Evaluator picks the interaction to show for a code point.
type Evaluator interface {
	Evaluate(m Manifest, codePoint string, snap conversation.Snapshot) (*Interaction, error)
}

// UnconditionalEvaluator selects the first target of a code point that has no criteria.
// Targets with criteria need a real criteria evaluator and are skipped.
type UnconditionalEvaluator struct{}

// Evaluate implements Evaluator.
func (UnconditionalEvaluator) Evaluate(m Manifest, codePoint string, _ conversation.Snapshot) (*Interaction, error) {
	for _, t := range m.Targets[codePoint] {
		if len(t.Criteria) > 0 {
			continue
		}
		if in, ok := m.Interaction(t.InteractionID); ok {
			return &in, nil
		}
	}
	return nil, nil
}

// Cache keeps manifests per locale until their max age passes.
type Cache struct {
	c *cache.Cache
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{c: cache.New(DefaultMaxAge, 10*time.Minute)}
}

// Get returns the unexpired manifest for locale.
func (c *Cache) Get(locale string) (Manifest, bool) {
	if x, found := c.c.Get(locale); found {
		return x.(Manifest), true
	}
	return Manifest{}, false
}

// Put stores m for locale with its own max age.
func (c *Cache) Put(locale string, m Manifest) {
	c.c.Set(locale, m, m.MaxAge())
}

// Invalidate drops every cached manifest.
func (c *Cache) Invalidate() {
	c.c.Flush()
}
