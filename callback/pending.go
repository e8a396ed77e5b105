package callback

import (
	"strings"
	"sync"
)

// PendingEmail remembers the address a one-time code was last requested
// for, so a bare token in a redirect can be paired with it.
type PendingEmail struct {
	mu    sync.Mutex
	email string
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Set stores the normalized address, replacing any previous one.
func (p *PendingEmail) Set(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.email = NormalizeEmail(email)
}

// Get returns the pending address, or "" when none is set.
func (p *PendingEmail) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.email
}

// Clear forgets the pending address.
func (p *PendingEmail) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.email = ""
}

// ClearIf forgets the pending address only when it still equals email.
// A code requested after email was read is left in place.
func (p *PendingEmail) ClearIf(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.email != email {
		return false
	}
	p.email = ""
	return true
}
