package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helium-bots/helium/internal/cryptobox"
	"github.com/helium-bots/helium/internal/state"
	_ "github.com/helium-bots/helium/internal/statestore/physical/memory"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	factory := NewBackendFactory("memory", nil)
	r := New("https://service.invalid", factory, factory, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func provision(t *testing.T, r *Registry, botID string) {
	t.Helper()
	_, _, err := r.Provision(context.Background(), &state.BotSession{
		BotID:          botID,
		ClientID:       "client-" + botID,
		ConversationID: "conv-" + botID,
		Token:          "tok",
	})
	if err != nil {
		t.Fatalf("Provision(%s): %v", botID, err)
	}
}

func TestAcquireUnprovisioned(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Acquire(context.Background(), "ghost"); !errors.Is(err, state.ErrMissingState) {
		t.Fatalf("Acquire = %v, want ErrMissingState", err)
	}
	// The failed acquisition must not leave the bot's scope held.
	if _, err := r.Acquire(context.Background(), "ghost"); !errors.Is(err, state.ErrMissingState) {
		t.Fatalf("second Acquire = %v, want ErrMissingState", err)
	}
}

func TestProvisionReturnsKeyMaterial(t *testing.T) {
	r := newRegistry(t)
	lastResort, preKeys, err := r.Provision(context.Background(), &state.BotSession{
		BotID: "bot-1", ClientID: "c1", ConversationID: "conv", Token: "tok",
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if lastResort.ID != cryptobox.LastResortPreKeyID {
		t.Errorf("last resort id = %d", lastResort.ID)
	}
	if len(preKeys) != initialPreKeyCount {
		t.Errorf("len(preKeys) = %d, want %d", len(preKeys), initialPreKeyCount)
	}
	for _, pk := range preKeys {
		if pk.ID == cryptobox.LastResortPreKeyID {
			t.Errorf("initial batch contains the last-resort id")
		}
		if pk.Key == "" {
			t.Errorf("pre-key %d has empty key material", pk.ID)
		}
	}
}

func TestProvisionTwiceFails(t *testing.T) {
	r := newRegistry(t)
	provision(t, r, "bot-1")
	_, _, err := r.Provision(context.Background(), &state.BotSession{BotID: "bot-1"})
	if err == nil {
		t.Fatal("second Provision did not fail")
	}
}

func TestAcquireAfterProvision(t *testing.T) {
	r := newRegistry(t)
	provision(t, r, "bot-1")

	h, err := r.Acquire(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	if h.Session.ClientID != "client-bot-1" {
		t.Errorf("ClientID = %q", h.Session.ClientID)
	}
	if h.Dispatcher == nil || h.Box == nil || h.Transport == nil {
		t.Error("handle is missing components")
	}
}

func TestAcquireSameBotSerializes(t *testing.T) {
	r := newRegistry(t)
	provision(t, r, "bot-1")

	first, err := r.Acquire(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan *Handle)
	go func() {
		h, err := r.Acquire(context.Background(), "bot-1")
		if err != nil {
			panic(err)
		}
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire completed while first handle is held")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	select {
	case h := <-acquired:
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not proceed after Release")
	}
}

func TestAcquireDifferentBotsIndependent(t *testing.T) {
	r := newRegistry(t)
	provision(t, r, "bot-1")
	provision(t, r, "bot-2")

	first, err := r.Acquire(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Acquire bot-1: %v", err)
	}
	defer first.Release()

	done := make(chan struct{})
	go func() {
		h, err := r.Acquire(context.Background(), "bot-2")
		if err != nil {
			panic(err)
		}
		h.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire for a different bot blocked")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	r := newRegistry(t)
	provision(t, r, "bot-1")

	h, err := r.Acquire(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release()

	again, err := r.Acquire(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	again.Release()
}

func TestDecommissionClosesState(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	provision(t, r, "bot-1")

	h, err := r.Acquire(ctx, "bot-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	box := h.Box
	h.Release()

	if err := r.Decommission(ctx, "bot-1"); err != nil {
		t.Fatalf("Decommission: %v", err)
	}
	if !box.IsClosed() {
		t.Error("box still open after Decommission")
	}

	// The entry is evicted; the memory backend lost the identity record, so
	// a fresh acquisition reports missing state.
	if _, err := r.Acquire(ctx, "bot-1"); !errors.Is(err, state.ErrMissingState) {
		t.Errorf("Acquire after Decommission = %v, want ErrMissingState", err)
	}
}

func TestDecommissionWaitsForActiveHandle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	provision(t, r, "bot-1")

	h, err := r.Acquire(ctx, "bot-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Decommission(ctx, "bot-1") }()

	select {
	case <-done:
		t.Fatal("Decommission completed while the handle is held")
	case <-time.After(50 * time.Millisecond):
	}
	if h.Box.IsClosed() {
		t.Error("box closed under an active handle")
	}

	h.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Decommission: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Decommission did not proceed after Release")
	}
}

func TestDecommissionUnknownBot(t *testing.T) {
	r := newRegistry(t)
	if err := r.Decommission(context.Background(), "nobody"); err != nil {
		t.Errorf("Decommission(nobody) = %v", err)
	}
}
