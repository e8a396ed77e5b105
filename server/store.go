package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatherer/callback"
)

// InMemoryStore keeps ephemeral device state and mounted callback screens.
type InMemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*deviceState
	screens map[string]screenRecord
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		devices: make(map[string]*deviceState),
		screens: make(map[string]screenRecord),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// GetDevice retrieves a device by ID.
func (s *InMemoryStore) GetDevice(id string) (*deviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[id]
	return dev, ok
}

// CreateDevice registers a new device with a fresh ID.
func (s *InMemoryStore) CreateDevice() *deviceState {
	dev := newDeviceState(s.NewID())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.ID] = dev
	return dev
}

// DeleteDevice removes a device and every screen it mounted.
func (s *InMemoryStore) DeleteDevice(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	for sid, rec := range s.screens {
		if rec.DeviceID == id {
			delete(s.screens, sid)
		}
	}
}

// MountScreen stores a new screen owned by the device and returns its ID.
func (s *InMemoryStore) MountScreen(dev *deviceState) screenRecord {
	rec := screenRecord{
		ID:       uuid.NewString(),
		DeviceID: dev.ID,
		Screen:   callback.NewScreen(dev.Pending),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screens[rec.ID] = rec
	return rec
}

// CallbackScreen returns the screen serving the device's server-side
// callbacks, mounting a fresh one when none is live. It is swept like any
// other screen.
func (s *InMemoryStore) CallbackScreen(dev *deviceState) screenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := dev.callbackScreenID(); id != "" {
		if rec, ok := s.screens[id]; ok {
			return rec
		}
	}
	rec := screenRecord{
		ID:       uuid.NewString(),
		DeviceID: dev.ID,
		Screen:   callback.NewScreen(dev.Pending),
	}
	s.screens[rec.ID] = rec
	dev.setCallbackScreenID(rec.ID)
	return rec
}

// GetScreen retrieves a screen owned by deviceID.
func (s *InMemoryStore) GetScreen(id, deviceID string) (screenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.screens[id]
	if !ok || rec.DeviceID != deviceID {
		return screenRecord{}, false
	}
	return rec, true
}

// UnmountScreen discards a screen owned by deviceID.
func (s *InMemoryStore) UnmountScreen(id, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.screens[id]
	if !ok || rec.DeviceID != deviceID {
		return false
	}
	delete(s.screens, id)
	return true
}

// ScreenCount returns the number of mounted screens.
func (s *InMemoryStore) ScreenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.screens)
}

// Sweep drops screens mounted before cutoff and devices idle since before
// idleCutoff that hold no session.
func (s *InMemoryStore) Sweep(cutoff, idleCutoff time.Time) (screens, devices int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.screens {
		if rec.Screen.MountedAt().Before(cutoff) {
			delete(s.screens, id)
			screens++
		}
	}
	for id, dev := range s.devices {
		if dev.Session() == nil && dev.idleSince().Before(idleCutoff) {
			delete(s.devices, id)
			devices++
		}
	}
	return screens, devices
}

// StartSweeper periodically discards abandoned screens until stop is closed.
func (s *InMemoryStore) StartSweeper(stop <-chan struct{}, ttl, interval time.Duration, logger *slog.Logger) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				screens, devices := s.Sweep(now.Add(-ttl), now.Add(-24*time.Hour))
				if screens > 0 || devices > 0 {
					logger.Debug("store swept", "screens", screens, "devices", devices)
				}
			case <-stop:
				return
			}
		}
	}()
}
