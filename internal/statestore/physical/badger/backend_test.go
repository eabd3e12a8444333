package badger

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/helium-bots/helium/internal/statestore/physical"
)

func newBackend(t *testing.T, ns string) physical.Backend {
	t.Helper()
	b, err := NewFactory(context.Background(), map[string]string{
		KeyInMemory:  "true",
		KeyNamespace: ns,
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, "bot-1")

	if err := b.Put(ctx, "session/alice/c1", []byte("key")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "session/alice/c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "key" {
		t.Errorf("Get = %q", got)
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

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, "bot-1")

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

func TestOnDiskBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFactory(ctx, map[string]string{
		KeyPath:      t.TempDir(),
		KeyNamespace: "bot-1",
	})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	defer b.Close()

	if err := b.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}

func TestClosedBackend(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, "bot-1")
	_ = b.Close()

	if err := b.Put(ctx, "k", []byte("v")); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("Put on closed = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
