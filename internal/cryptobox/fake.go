package cryptobox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/helium-bots/helium/internal/device"
)

// Fake implements Cryptobox without real cryptography, for deterministic
// protocol tests. Ciphertexts are base64 JSON frames embedding the
// plaintext; session and pre-key bookkeeping follows the real contract,
// including one-time pre-key consumption.
type Fake struct {
	mu       sync.Mutex
	sessions map[device.Device]bool
	used     map[int]bool // pre-key ids consumed by session establishment
	closed   bool
}

// NewFake returns an empty fake box.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[device.Device]bool),
		used:     make(map[int]bool),
	}
}

type fakeFrame struct {
	PreKeyID *int   `json:"prekey_id,omitempty"`
	Payload  []byte `json:"payload"`
}

func (f *Fake) seal(frame fakeFrame) string {
	raw, _ := json.Marshal(frame)
	return base64.StdEncoding.EncodeToString(raw)
}

// HasSession reports whether a session exists for the device.
func (f *Fake) HasSession(userID, clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[device.Device{UserID: userID, ClientID: clientID}]
}

// EncryptForSessions covers only devices with an established session.
func (f *Fake) EncryptForSessions(_ context.Context, targets device.Set, plaintext []byte) (device.CipherBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := device.NewCipherBundle()
	for _, d := range targets.Devices() {
		if !f.sessions[d] {
			continue
		}
		out.Add(d.UserID, d.ClientID, f.seal(fakeFrame{Payload: plaintext}))
	}
	return out, nil
}

// EncryptWithPreKeys establishes sessions, refusing to consume a pre-key id
// twice.
func (f *Fake) EncryptWithPreKeys(_ context.Context, bundle device.PreKeyBundle, plaintext []byte) (device.CipherBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := device.NewCipherBundle()
	for userID, clients := range bundle {
		for clientID, pk := range clients {
			if f.used[pk.ID] && pk.ID != LastResortPreKeyID {
				return nil, &SessionError{UserID: userID, ClientID: clientID,
					Cause: fmt.Errorf("pre-key %d already consumed", pk.ID)}
			}
			f.used[pk.ID] = true
			f.sessions[device.Device{UserID: userID, ClientID: clientID}] = true
			id := pk.ID
			out.Add(userID, clientID, f.seal(fakeFrame{PreKeyID: &id, Payload: plaintext}))
		}
	}
	return out, nil
}

// Decrypt unwraps the fake frame and returns the embedded plaintext.
func (f *Fake) Decrypt(_ context.Context, userID, clientID, cipher string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	raw, err := base64.StdEncoding.DecodeString(cipher)
	if err != nil {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}
	var frame fakeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("malformed ciphertext")}
	}
	d := device.Device{UserID: userID, ClientID: clientID}
	if frame.PreKeyID == nil && !f.sessions[d] {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("unknown session")}
	}
	f.sessions[d] = true
	return frame.Payload, nil
}

// NewLastResortPreKey returns the fixed last-resort pre-key.
func (f *Fake) NewLastResortPreKey(_ context.Context) (device.PreKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return device.PreKey{}, ErrClosed
	}
	return device.PreKey{ID: LastResortPreKeyID, Key: fakeKeyMaterial(LastResortPreKeyID)}, nil
}

// NewPreKeys issues deterministic pre-keys with ids from start.
func (f *Fake) NewPreKeys(_ context.Context, start, count int) ([]device.PreKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]device.PreKey, 0, count)
	for id := start; id < start+count; id++ {
		out = append(out, device.PreKey{ID: id, Key: fakeKeyMaterial(id)})
	}
	return out, nil
}

func fakeKeyMaterial(id int) string {
	return base64.StdEncoding.EncodeToString([]byte("prekey-" + strconv.Itoa(id)))
}

// Close marks the fake closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (f *Fake) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
