package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Wire framing of a ciphertext, before base64:
//
//	session message:  [msgSession][nonce][secretbox]
//	pre-key message:  [msgPreKey][preKeyID:2BE][senderEdPub:32][nonce][secretbox]
//
// A pre-key message carries enough for the recipient to derive the same
// session key from its stored pre-key private and the sender's identity.
const (
	msgSession = 0x01
	msgPreKey  = 0x02
)

func sealSecretbox(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

func openSecretbox(ciphertext []byte, key *[32]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}

// ed25519SeedToCurve25519Private derives a Curve25519 private key from an
// Ed25519 seed.
func ed25519SeedToCurve25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// ed25519PublicToCurve25519 converts an Ed25519 public key to a Curve25519
// public key.
func ed25519PublicToCurve25519(pub []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, err
	}
	return p.BytesMontgomery(), nil
}

// sessionKeyFromPreKey derives the shared session key on the sender side:
// X25519 between the sender's converted identity private and the pre-key
// public, hashed with SHA-256.
func sessionKeyFromPreKey(seed, preKeyPub []byte) ([32]byte, error) {
	priv := ed25519SeedToCurve25519Private(seed)
	shared, err := curve25519.X25519(priv, preKeyPub)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(shared), nil
}

// sessionKeyFromIdentity derives the same key on the recipient side from
// its pre-key private and the sender's Ed25519 identity public.
func sessionKeyFromIdentity(preKeyPriv, senderEdPub []byte) ([32]byte, error) {
	senderCurvePub, err := ed25519PublicToCurve25519(senderEdPub)
	if err != nil {
		return [32]byte{}, err
	}
	shared, err := curve25519.X25519(preKeyPriv, senderCurvePub)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(shared), nil
}

// newPreKeyPair generates a Curve25519 keypair for a one-time pre-key.
func newPreKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// publicFromPrivate recomputes the Curve25519 public key of a stored
// pre-key private.
func publicFromPrivate(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// newIdentitySeed generates an Ed25519 seed for a fresh box identity.
func newIdentitySeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return seed, nil
}
