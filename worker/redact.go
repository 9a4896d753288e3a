package worker

import (
	"strings"
	"sync"
)

// Redactor scans text for known secret values and masks them. Worker stderr
// is relayed through it before reaching the logs so credentials handed to a
// worker never surface in host log output.
type Redactor struct {
	mu          sync.RWMutex
	knownValues map[string]string // value → name (reversed for fast lookup)
}

// NewRedactor creates an empty Redactor.
func NewRedactor() *Redactor {
	return &Redactor{knownValues: make(map[string]string)}
}

// AddSecret registers a secret value under a display name. Values shorter
// than 4 bytes are ignored; masking them would mangle ordinary output.
func (r *Redactor) AddSecret(name, value string) {
	if len(value) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownValues[value] = name
}

// Redact replaces known secret values with [REDACTED:name].
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for val, name := range r.knownValues {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+name+"]")
		}
	}
	return text
}
