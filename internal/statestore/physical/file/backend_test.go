package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/helium-bots/helium/internal/statestore"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

func newBackend(t *testing.T) physical.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{
		KeyPath:      t.TempDir(),
		KeyNamespace: "bot-1",
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	if err := b.Put(ctx, "session/alice/c1", []byte("key-material")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "session/alice/c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "key-material" {
		t.Errorf("Get = %q, want %q", got, "key-material")
	}

	if err := b.Delete(ctx, "session/alice/c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "session/alice/c1"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "session/alice/c1"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestGetMissing(t *testing.T) {
	b := newBackend(t)
	if _, err := b.Get(context.Background(), "nope"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for _, key := range []string{"prekey/1", "prekey/2", "session/alice/c1"} {
		if err := b.Put(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	keys, err := b.List(ctx, "prekey/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"prekey/1", "prekey/2"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	open := func(ns string) physical.Backend {
		b, err := NewFactory(ctx, map[string]string{KeyPath: root, KeyNamespace: ns})
		if err != nil {
			t.Fatalf("NewFactory(%s): %v", ns, err)
		}
		return b
	}
	first, second := open("bot-1"), open("bot-2")
	defer first.Close()
	defer second.Close()

	if err := first.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := second.Get(ctx, "k"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("cross-namespace Get = %v, want ErrNotFound", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := map[string]string{KeyPath: root, KeyNamespace: "bot-1"}

	b, err := NewFactory(ctx, cfg)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	if err := b.Put(ctx, "identity/session", []byte("state")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = b.Close()

	reopened, err := NewFactory(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, "identity/session")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "state" {
		t.Errorf("Get = %q, want %q", got, "state")
	}
}

func TestClosedBackend(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	_ = b.Close()

	if err := b.Put(ctx, "k", []byte("v")); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Put on closed = %v, want ErrClosed", err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Get on closed = %v, want ErrClosed", err)
	}
}

func TestFactoryRequiresPath(t *testing.T) {
	_, err := NewFactory(context.Background(), map[string]string{KeyPath: ""})
	var cfgErr *statestore.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewFactory error = %v, want ConfigError", err)
	}
}

func TestRecordFilePermissions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := NewFactory(ctx, map[string]string{KeyPath: root, KeyNamespace: "bot-1"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	defer b.Close()

	if err := b.Put(ctx, "secret", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "bot-1", "secret.rec"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("record mode = %o, want 600", perm)
	}
}
