package server

import (
	"log/slog"
	"net/http"
	"time"
)

const deviceCookieName = "gt_device"

const deviceCookieTTL = 30 * 24 * time.Hour

// DeviceManager binds browsers to device state through a cookie.
type DeviceManager struct {
	store        *InMemoryStore
	logger       *slog.Logger
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewDeviceManager constructs a device manager honouring config.
func NewDeviceManager(cfg Config, store *InMemoryStore, logger *slog.Logger) *DeviceManager {
	// Lax: the cookie must accompany the top-level navigation from an email link.
	return &DeviceManager{
		store:        store,
		logger:       logger,
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the device associated with the request cookie if present.
func (dm *DeviceManager) Fetch(r *http.Request) *deviceState {
	cookie, err := r.Cookie(deviceCookieName)
	if err != nil {
		return nil
	}
	dev, ok := dm.store.GetDevice(cookie.Value)
	if !ok {
		return nil
	}
	dev.touch(time.Now())
	return dev
}

// Ensure returns the request's device, creating one and setting the cookie
// when absent.
func (dm *DeviceManager) Ensure(w http.ResponseWriter, r *http.Request) *deviceState {
	if dev := dm.Fetch(r); dev != nil {
		return dev
	}
	dev := dm.store.CreateDevice()
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    dev.ID,
		Path:     "/",
		Domain:   dm.cookieDomain,
		HttpOnly: true,
		Secure:   dm.secure,
		SameSite: dm.sameSite,
		MaxAge:   int(deviceCookieTTL.Seconds()),
	})
	dm.logger.Debug("device created")
	return dev
}

// Forget removes the device and expires its cookie.
func (dm *DeviceManager) Forget(w http.ResponseWriter, dev *deviceState) {
	if dev != nil {
		dm.store.DeleteDevice(dev.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    "",
		Path:     "/",
		Domain:   dm.cookieDomain,
		HttpOnly: true,
		Secure:   dm.secure,
		SameSite: dm.sameSite,
		MaxAge:   -1,
	})
}
