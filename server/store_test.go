package server

import (
	"testing"
	"time"

	"golang.org/x/oauth2"

	"gatherer/callback"
)

func TestScreensAreScopedToDevice(t *testing.T) {
	s := NewInMemoryStore()
	owner := s.CreateDevice()
	other := s.CreateDevice()

	rec := s.MountScreen(owner)
	if _, ok := s.GetScreen(rec.ID, other.ID); ok {
		t.Fatal("screen must not be visible to another device")
	}
	if s.UnmountScreen(rec.ID, other.ID) {
		t.Fatal("another device must not unmount the screen")
	}
	if _, ok := s.GetScreen(rec.ID, owner.ID); !ok {
		t.Fatal("owner should see its screen")
	}
	if !s.UnmountScreen(rec.ID, owner.ID) {
		t.Fatal("owner should unmount its screen")
	}
	if s.ScreenCount() != 0 {
		t.Fatalf("expected no screens, got %d", s.ScreenCount())
	}
}

func TestScreensSharePendingEmailOfDevice(t *testing.T) {
	s := NewInMemoryStore()
	dev := s.CreateDevice()
	dev.Pending.Set("A@B.co")

	a := s.MountScreen(dev)
	b := s.MountScreen(dev)
	if a.ID == b.ID {
		t.Fatal("screen ids must be unique")
	}
	if a.Screen.Processed("x") || b.Screen.Processed("x") {
		t.Fatal("fresh screens have nothing processed")
	}
	if got := dev.Pending.Get(); got != "a@b.co" {
		t.Fatalf("expected normalized pending email, got %q", got)
	}
}

func TestSweepDropsStaleScreensAndIdleDevices(t *testing.T) {
	s := NewInMemoryStore()
	idle := s.CreateDevice()
	signedIn := s.CreateDevice()
	signedIn.SetSession(&callback.Session{Token: &oauth2.Token{AccessToken: "t"}})
	s.MountScreen(idle)

	screens, devices := s.Sweep(time.Now().Add(time.Minute), time.Now().Add(time.Minute))
	if screens != 1 || devices != 1 {
		t.Fatalf("expected 1 screen and 1 device swept, got %d and %d", screens, devices)
	}
	if _, ok := s.GetDevice(signedIn.ID); !ok {
		t.Fatal("signed-in device must survive the sweep")
	}
	if _, ok := s.GetDevice(idle.ID); ok {
		t.Fatal("idle device should be swept")
	}
}

func TestSweepKeepsFreshScreens(t *testing.T) {
	s := NewInMemoryStore()
	dev := s.CreateDevice()
	s.MountScreen(dev)

	screens, devices := s.Sweep(time.Now().Add(-time.Minute), time.Now().Add(-time.Hour))
	if screens != 0 || devices != 0 {
		t.Fatalf("nothing should be swept, got %d screens %d devices", screens, devices)
	}
}

func TestReserveCodeHoldsCooldown(t *testing.T) {
	dev := newDeviceState("d")
	now := time.Now()

	wait, _ := dev.reserveCode(now, time.Minute)
	if wait != 0 {
		t.Fatalf("first reservation should succeed, got wait %s", wait)
	}
	if wait, _ := dev.reserveCode(now.Add(20*time.Second), time.Minute); wait != 40*time.Second {
		t.Fatalf("expected 40s remaining, got %s", wait)
	}
	if wait, _ := dev.reserveCode(now.Add(2*time.Minute), time.Minute); wait != 0 {
		t.Fatal("cooldown should elapse")
	}
}

func TestReserveCodeReleaseRestoresPreviousSlot(t *testing.T) {
	dev := newDeviceState("d")
	now := time.Now()

	_, release := dev.reserveCode(now, time.Minute)
	release()
	if wait, _ := dev.reserveCode(now, time.Minute); wait != 0 {
		t.Fatalf("released slot should be free, got wait %s", wait)
	}

	dev.CodeSent("a@b.co", "verifier", now)
	_, release = dev.reserveCode(now.Add(2*time.Minute), time.Minute)
	release()
	if wait, _ := dev.reserveCode(now.Add(30*time.Second), time.Minute); wait != 30*time.Second {
		t.Fatalf("release should restore the earlier send time, got wait %s", wait)
	}
	if dev.Verifier() != "verifier" || dev.consumeVerifier() != "verifier" || dev.Verifier() != "" {
		t.Fatal("verifier should be stored then consumed once")
	}
}

func TestCallbackScreenIsReusedUntilSwept(t *testing.T) {
	s := NewInMemoryStore()
	dev := s.CreateDevice()

	first := s.CallbackScreen(dev)
	if again := s.CallbackScreen(dev); again.ID != first.ID {
		t.Fatal("callback screen should be reused while live")
	}
	if _, ok := s.GetScreen(first.ID, dev.ID); !ok {
		t.Fatal("callback screen should live in the store")
	}

	dev.SetSession(&callback.Session{Token: &oauth2.Token{AccessToken: "t"}})
	if screens, _ := s.Sweep(time.Now().Add(time.Minute), time.Now().Add(-time.Hour)); screens != 1 {
		t.Fatalf("expected callback screen to be swept, got %d", screens)
	}
	if next := s.CallbackScreen(dev); next.ID == first.ID {
		t.Fatal("a swept callback screen should be replaced")
	}
}
