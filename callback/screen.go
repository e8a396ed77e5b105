package callback

import (
	"sync"
	"time"
)

// MaxProcessedURLs bounds how many URLs a screen remembers. The oldest
// entry is forgotten first.
const MaxProcessedURLs = 128

// ProcessedURLs records redirect URLs a screen has already finalized.
type ProcessedURLs struct {
	seen  map[string]struct{}
	order []string
	limit int
}

// NewProcessedURLs returns an empty set holding at most MaxProcessedURLs.
func NewProcessedURLs() *ProcessedURLs {
	return newProcessedURLs(MaxProcessedURLs)
}

func newProcessedURLs(limit int) *ProcessedURLs {
	return &ProcessedURLs{seen: make(map[string]struct{}), limit: limit}
}

// Has reports whether raw was recorded.
func (p *ProcessedURLs) Has(raw string) bool {
	_, ok := p.seen[raw]
	return ok
}

// Add records raw and reports whether it was new.
func (p *ProcessedURLs) Add(raw string) bool {
	if p.Has(raw) {
		return false
	}
	if p.limit > 0 && len(p.order) >= p.limit {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	p.seen[raw] = struct{}{}
	p.order = append(p.order, raw)
	return true
}

// Len returns the number of recorded URLs.
func (p *ProcessedURLs) Len() int {
	return len(p.seen)
}

// Screen is the state of one mounted callback screen: the URLs it has
// processed, the pending email it may pair tokens with, and the message it
// currently displays. Discard it on unmount.
type Screen struct {
	mu        sync.Mutex
	processed *ProcessedURLs
	pending   *PendingEmail
	message   string
	mounted   time.Time
}

// NewScreen mounts a screen bound to the caller's pending email, which may be nil.
func NewScreen(pending *PendingEmail) *Screen {
	return &Screen{
		processed: NewProcessedURLs(),
		pending:   pending,
		message:   MessageFinalizing,
		mounted:   time.Now(),
	}
}

// Message returns the text currently displayed.
func (s *Screen) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// MountedAt returns when the screen was created.
func (s *Screen) MountedAt() time.Time {
	return s.mounted
}

// Processed reports whether raw was already finalized by this screen.
func (s *Screen) Processed(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed.Has(raw)
}
