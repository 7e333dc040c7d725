package llm

import (
	"sync"
	"time"
)

// Health is the process-wide registry of models flagged as failing. It is
// safe for concurrent runs and a nil *Health flags nothing. Flags expire after TTL so a rate-limited model is
// retried eventually; a zero TTL keeps flags until Clear.
type Health struct {
	TTL time.Duration

	mu      sync.RWMutex
	failing map[string]flag
	now     func() time.Time
}

type flag struct {
	reason string
	at     time.Time
}

// DefaultHealthTTL is how long a failing flag holds when none is configured.
const DefaultHealthTTL = 15 * time.Minute

// NewHealth returns an empty registry.
func NewHealth(ttl time.Duration) *Health {
	return &Health{TTL: ttl, failing: make(map[string]flag), now: time.Now}
}

// MarkFailing flags model as unusable.
func (h *Health) MarkFailing(model, reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing[model] = flag{reason: reason, at: h.now()}
}

// IsFailing reports whether model is currently flagged.
func (h *Health) IsFailing(model string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	f, ok := h.failing[model]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if h.TTL > 0 && h.now().Sub(f.at) > h.TTL {
		h.Clear(model)
		return false
	}
	return true
}

// Reason returns why model was flagged.
func (h *Health) Reason(model string) string {
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failing[model].reason
}

// Clear removes the flag on model.
func (h *Health) Clear(model string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failing, model)
}

// Failing lists currently flagged models.
func (h *Health) Failing() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.failing))
	for m := range h.failing {
		out = append(out, m)
	}
	return out
}
