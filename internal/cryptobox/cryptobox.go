// Package cryptobox provides the per-device session encryption capability
// used by the message dispatcher. A box owns one bot's cryptographic state:
// its identity keypair, its one-time pre-keys and one session per remote
// device, all persisted through a pluggable record store.
package cryptobox

import (
	"context"
	"errors"
	"fmt"

	"github.com/helium-bots/helium/internal/device"
)

// LastResortPreKeyID is the id of the pre-key that is never consumed. The
// service falls back to it when a device's one-time pre-keys run out.
const LastResortPreKeyID = 0xFFFF

var (
	// ErrClosed indicates the box has been closed.
	ErrClosed = errors.New("cryptobox closed")
)

// SessionError reports a cryptographic failure for one device: corrupt
// ciphertext, an unknown session or a consumed pre-key. It is never
// retried; callers surface it.
type SessionError struct {
	UserID   string
	ClientID string
	Cause    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s/%s: %v", e.UserID, e.ClientID, e.Cause)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Cryptobox is the session-cryptography capability. Implementations must be
// safe for sequential use by a single owner; the client registry serializes
// access per bot.
type Cryptobox interface {
	// EncryptForSessions encrypts plaintext for every target device that
	// already has a local session. Devices without a session are silently
	// omitted from the result.
	EncryptForSessions(ctx context.Context, targets device.Set, plaintext []byte) (device.CipherBundle, error)

	// EncryptWithPreKeys establishes a new session per device from the
	// supplied pre-keys, then encrypts. Each pre-key is consumed by the
	// establishment and must not be reused.
	EncryptWithPreKeys(ctx context.Context, bundle device.PreKeyBundle, plaintext []byte) (device.CipherBundle, error)

	// Decrypt decrypts a base64 ciphertext received from the given device,
	// establishing a session first when the ciphertext is a pre-key
	// message. Fails with *SessionError on undecryptable input.
	Decrypt(ctx context.Context, userID, clientID, cipher string) ([]byte, error)

	// NewLastResortPreKey generates (or returns) the reusable pre-key with
	// id LastResortPreKeyID.
	NewLastResortPreKey(ctx context.Context) (device.PreKey, error)

	// NewPreKeys generates count one-time pre-keys with ids start,
	// start+1, ... start+count-1.
	NewPreKeys(ctx context.Context, start, count int) ([]device.PreKey, error)

	// Close releases the underlying storage. The box is unusable after.
	Close() error

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}
