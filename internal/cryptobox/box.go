package cryptobox

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/helium-bots/helium/internal/device"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

const (
	identityKey   = "box/identity"
	preKeyPrefix  = "prekey/"
	sessionPrefix = "session/"
)

// Box is the production Cryptobox. It persists its identity seed, pre-key
// privates and session keys through a physical record store, so the same
// bot reopened against the same backend keeps its sessions.
type Box struct {
	store  physical.Backend
	seed   []byte // Ed25519 seed, the box identity
	pub    []byte // Ed25519 public
	closed atomic.Bool
}

// Open loads the box identity from the store, creating one on first open.
func Open(ctx context.Context, store physical.Backend) (*Box, error) {
	seed, err := store.Get(ctx, identityKey)
	if errors.Is(err, physical.ErrNotFound) {
		seed, err = newIdentitySeed()
		if err != nil {
			return nil, fmt.Errorf("cryptobox: generate identity: %w", err)
		}
		if err := store.Put(ctx, identityKey, seed); err != nil {
			return nil, fmt.Errorf("cryptobox: persist identity: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("cryptobox: load identity: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Box{
		store: store,
		seed:  seed,
		pub:   priv.Public().(ed25519.PublicKey),
	}, nil
}

func sessionRecordKey(userID, clientID string) string {
	return sessionPrefix + userID + "/" + clientID
}

func preKeyRecordKey(id int) string {
	return preKeyPrefix + strconv.Itoa(id)
}

// EncryptForSessions encrypts for every target device with an existing
// session. Devices without one are omitted, never an error.
func (b *Box) EncryptForSessions(ctx context.Context, targets device.Set, plaintext []byte) (device.CipherBundle, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	out := device.NewCipherBundle()
	for _, d := range targets.Devices() {
		raw, err := b.store.Get(ctx, sessionRecordKey(d.UserID, d.ClientID))
		if errors.Is(err, physical.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cryptobox: load session: %w", err)
		}
		cipher, err := b.sealSession(raw, plaintext)
		if err != nil {
			return nil, &SessionError{UserID: d.UserID, ClientID: d.ClientID, Cause: err}
		}
		out.Add(d.UserID, d.ClientID, cipher)
	}
	return out, nil
}

func (b *Box) sealSession(key, plaintext []byte) (string, error) {
	if len(key) != 32 {
		return "", errors.New("corrupt session record")
	}
	var k [32]byte
	copy(k[:], key)
	sealed, err := sealSecretbox(plaintext, &k)
	if err != nil {
		return "", err
	}
	framed := append([]byte{msgSession}, sealed...)
	return base64.StdEncoding.EncodeToString(framed), nil
}

// EncryptWithPreKeys establishes a session per bundled device and encrypts.
// The session key is written before the ciphertext is produced, so a later
// EncryptForSessions for the same device reuses it.
func (b *Box) EncryptWithPreKeys(ctx context.Context, bundle device.PreKeyBundle, plaintext []byte) (device.CipherBundle, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	out := device.NewCipherBundle()
	for userID, clients := range bundle {
		for clientID, pk := range clients {
			cipher, err := b.sealPreKey(ctx, userID, clientID, pk, plaintext)
			if err != nil {
				return nil, err
			}
			out.Add(userID, clientID, cipher)
		}
	}
	return out, nil
}

func (b *Box) sealPreKey(ctx context.Context, userID, clientID string, pk device.PreKey, plaintext []byte) (string, error) {
	preKeyPub, err := base64.StdEncoding.DecodeString(pk.Key)
	if err != nil || len(preKeyPub) != 32 {
		return "", &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("malformed pre-key")}
	}

	key, err := sessionKeyFromPreKey(b.seed, preKeyPub)
	if err != nil {
		return "", &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}

	// Persist the session before emitting any ciphertext derived from it.
	if err := b.store.Put(ctx, sessionRecordKey(userID, clientID), key[:]); err != nil {
		return "", fmt.Errorf("cryptobox: persist session: %w", err)
	}

	sealed, err := sealSecretbox(plaintext, &key)
	if err != nil {
		return "", &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}

	header := make([]byte, 3+ed25519.PublicKeySize)
	header[0] = msgPreKey
	binary.BigEndian.PutUint16(header[1:3], uint16(pk.ID))
	copy(header[3:], b.pub)
	return base64.StdEncoding.EncodeToString(append(header, sealed...)), nil
}

// Decrypt decrypts a ciphertext from the given device. A pre-key message
// consumes the referenced pre-key and establishes the session; the session
// record is written before the pre-key is deleted so the establishment is
// never observable half-applied.
func (b *Box) Decrypt(ctx context.Context, userID, clientID, cipher string) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := base64.StdEncoding.DecodeString(cipher)
	if err != nil || len(raw) < 1 {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("malformed ciphertext")}
	}

	switch raw[0] {
	case msgSession:
		return b.openSession(ctx, userID, clientID, raw[1:])
	case msgPreKey:
		return b.openPreKey(ctx, userID, clientID, raw[1:])
	default:
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("unknown message framing")}
	}
}

func (b *Box) openSession(ctx context.Context, userID, clientID string, body []byte) ([]byte, error) {
	raw, err := b.store.Get(ctx, sessionRecordKey(userID, clientID))
	if errors.Is(err, physical.ErrNotFound) {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("unknown session")}
	}
	if err != nil {
		return nil, fmt.Errorf("cryptobox: load session: %w", err)
	}
	if len(raw) != 32 {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("corrupt session record")}
	}
	var key [32]byte
	copy(key[:], raw)
	plaintext, err := openSecretbox(body, &key)
	if err != nil {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}
	return plaintext, nil
}

func (b *Box) openPreKey(ctx context.Context, userID, clientID string, body []byte) ([]byte, error) {
	if len(body) < 2+ed25519.PublicKeySize {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: errors.New("truncated pre-key message")}
	}
	preKeyID := int(binary.BigEndian.Uint16(body[:2]))
	senderPub := body[2 : 2+ed25519.PublicKeySize]
	sealed := body[2+ed25519.PublicKeySize:]

	preKeyPriv, err := b.store.Get(ctx, preKeyRecordKey(preKeyID))
	if errors.Is(err, physical.ErrNotFound) {
		return nil, &SessionError{UserID: userID, ClientID: clientID,
			Cause: fmt.Errorf("pre-key %d already consumed", preKeyID)}
	}
	if err != nil {
		return nil, fmt.Errorf("cryptobox: load pre-key: %w", err)
	}

	key, err := sessionKeyFromIdentity(preKeyPriv, senderPub)
	if err != nil {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}

	plaintext, err := openSecretbox(sealed, &key)
	if err != nil {
		return nil, &SessionError{UserID: userID, ClientID: clientID, Cause: err}
	}

	// Session first, pre-key deletion second. If the second write is lost,
	// a redelivered pre-key message derives the identical session key.
	if err := b.store.Put(ctx, sessionRecordKey(userID, clientID), key[:]); err != nil {
		return nil, fmt.Errorf("cryptobox: persist session: %w", err)
	}
	if preKeyID != LastResortPreKeyID {
		if err := b.store.Delete(ctx, preKeyRecordKey(preKeyID)); err != nil && !errors.Is(err, physical.ErrNotFound) {
			return nil, fmt.Errorf("cryptobox: consume pre-key: %w", err)
		}
	}
	return plaintext, nil
}

// NewLastResortPreKey generates the reusable last-resort pre-key, keeping
// any previously generated one.
func (b *Box) NewLastResortPreKey(ctx context.Context) (device.PreKey, error) {
	if b.closed.Load() {
		return device.PreKey{}, ErrClosed
	}
	if priv, err := b.store.Get(ctx, preKeyRecordKey(LastResortPreKeyID)); err == nil {
		pub, err := publicFromPrivate(priv)
		if err != nil {
			return device.PreKey{}, fmt.Errorf("cryptobox: last-resort pre-key: %w", err)
		}
		return device.PreKey{ID: LastResortPreKeyID, Key: base64.StdEncoding.EncodeToString(pub)}, nil
	}
	keys, err := b.generatePreKeys(ctx, LastResortPreKeyID, 1)
	if err != nil {
		return device.PreKey{}, err
	}
	return keys[0], nil
}

// NewPreKeys generates count one-time pre-keys with ids from start.
func (b *Box) NewPreKeys(ctx context.Context, start, count int) ([]device.PreKey, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if start < 0 || count < 0 || start+count > LastResortPreKeyID {
		return nil, fmt.Errorf("cryptobox: pre-key range [%d,%d) out of bounds", start, start+count)
	}
	return b.generatePreKeys(ctx, start, count)
}

func (b *Box) generatePreKeys(ctx context.Context, start, count int) ([]device.PreKey, error) {
	out := make([]device.PreKey, 0, count)
	for id := start; id < start+count; id++ {
		priv, pub, err := newPreKeyPair()
		if err != nil {
			return nil, fmt.Errorf("cryptobox: generate pre-key %d: %w", id, err)
		}
		if err := b.store.Put(ctx, preKeyRecordKey(id), priv); err != nil {
			return nil, fmt.Errorf("cryptobox: persist pre-key %d: %w", id, err)
		}
		out = append(out, device.PreKey{ID: id, Key: base64.StdEncoding.EncodeToString(pub)})
	}
	return out, nil
}

// IdentityPublicKey returns the box's Ed25519 public key.
func (b *Box) IdentityPublicKey() []byte {
	pub := make([]byte, len(b.pub))
	copy(pub, b.pub)
	return pub
}

// Close releases the underlying store.
func (b *Box) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.store.Close()
}

// IsClosed reports whether the box has been closed.
func (b *Box) IsClosed() bool {
	return b.closed.Load()
}
