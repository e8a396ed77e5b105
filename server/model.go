package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gatherer/callback"
)

// deviceState is the per-browser sign-in state bound to the device cookie.
type deviceState struct {
	ID      string
	Pending *callback.PendingEmail

	mu         sync.Mutex
	session    *callback.Session
	verifier   string
	codeSentAt time.Time
	lastSeen   time.Time
	screenID   string

	// refresh collapses concurrent refreshes of one session, since the
	// backend rotates refresh tokens on use.
	refresh singleflight.Group
}

func newDeviceState(id string) *deviceState {
	return &deviceState{
		ID:       id,
		Pending:  &callback.PendingEmail{},
		lastSeen: time.Now(),
	}
}

func (d *deviceState) Session() *callback.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *deviceState) SetSession(sess *callback.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = sess
}

func (d *deviceState) Verifier() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verifier
}

func (d *deviceState) SetVerifier(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifier = v
}

// consumeVerifier returns the PKCE verifier and forgets it.
func (d *deviceState) consumeVerifier() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.verifier
	d.verifier = ""
	return v
}

// CodeSent records a successful code request.
func (d *deviceState) CodeSent(email, verifier string, at time.Time) {
	d.mu.Lock()
	d.verifier = verifier
	d.codeSentAt = at
	d.mu.Unlock()
	d.Pending.Set(email)
}

// reserveCode claims the cooldown slot at now. It returns the wait left
// when another request holds the slot, and a release func that undoes the
// claim after an upstream failure.
func (d *deviceState) reserveCode(now time.Time, cooldown time.Duration) (time.Duration, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cooldown > 0 && !d.codeSentAt.IsZero() {
		if remaining := cooldown - now.Sub(d.codeSentAt); remaining > 0 {
			return remaining, func() {}
		}
	}
	prev := d.codeSentAt
	d.codeSentAt = now
	return 0, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.codeSentAt.Equal(now) {
			d.codeSentAt = prev
		}
	}
}

func (d *deviceState) callbackScreenID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenID
}

func (d *deviceState) setCallbackScreenID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenID = id
}

func (d *deviceState) touch(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = now
}

func (d *deviceState) idleSince() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// screenRecord ties a mounted screen to the device that mounted it.
type screenRecord struct {
	ID       string
	DeviceID string
	Screen   *callback.Screen
}

// SessionView is the JSON shape returned by /auth/session.
type SessionView struct {
	SignedIn  bool       `json:"signed_in"`
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FinalizeRequest is the body accepted by the screen finalize endpoint.
type FinalizeRequest struct {
	URL         string      `json:"url"`
	InitialURL  string      `json:"initial_url"`
	RouteParams RouteParams `json:"route_params"`
}

// RouteParams are platform route parameters. Each value may be sent as a
// string or an array of strings.
type RouteParams map[string][]string

// UnmarshalJSON accepts string, string array, and null values per key.
func (rp *RouteParams) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*rp = nil
		return nil
	}
	out := make(RouteParams, len(raw))
	for key, val := range raw {
		if string(val) == "null" {
			continue
		}
		var one string
		if err := json.Unmarshal(val, &one); err == nil {
			out[key] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(val, &many); err != nil {
			return fmt.Errorf("route_params.%s: want string or array of strings", key)
		}
		if many != nil {
			out[key] = many
		}
	}
	*rp = out
	return nil
}

// FinalizeResponse reports a finalization outcome to the client.
type FinalizeResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

// ScreenView describes a mounted callback screen.
type ScreenView struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}
