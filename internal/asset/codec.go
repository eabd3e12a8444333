// Package asset encodes the service's multipart encrypted-asset upload
// format and verifies integrity on download.
package asset

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Boundary is the fixed multipart boundary token the service expects.
const Boundary = "frontier"

// ContentType is the upload request content type.
const ContentType = "multipart/mixed; boundary=" + Boundary

// ErrIntegrity indicates the downloaded bytes do not match the expected
// SHA-256 digest. Decryption is never attempted on mismatching content.
var ErrIntegrity = errors.New("asset integrity check failed")

// Upload describes one asset to upload. Data is already encrypted by the
// outer layer; the codec only frames it.
type Upload struct {
	Data      []byte
	MimeType  string
	Public    bool
	Retention string
}

type uploadMetadata struct {
	Public    bool   `json:"public"`
	Retention string `json:"retention"`
}

// EncodeUpload builds the two-part body: a JSON metadata part followed by
// the raw asset bytes with an MD5 checksum header.
func EncodeUpload(u Upload) ([]byte, error) {
	metadata, err := json.Marshal(uploadMetadata{Public: u.Public, Retention: u.Retention})
	if err != nil {
		return nil, fmt.Errorf("asset: marshal metadata: %w", err)
	}

	sum := md5.Sum(u.Data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])

	var body bytes.Buffer
	fmt.Fprintf(&body, "--%s\r\n", Boundary)
	body.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	fmt.Fprintf(&body, "Content-Length: %d\r\n\r\n", len(metadata))
	body.Write(metadata)
	body.WriteString("\r\n")

	fmt.Fprintf(&body, "--%s\r\n", Boundary)
	fmt.Fprintf(&body, "Content-Type: %s\r\n", u.MimeType)
	fmt.Fprintf(&body, "Content-Length: %d\r\n", len(u.Data))
	fmt.Fprintf(&body, "Content-MD5: %s\r\n\r\n", checksum)
	body.Write(u.Data)
	fmt.Fprintf(&body, "\r\n--%s--\r\n", Boundary)

	return body.Bytes(), nil
}

// VerifyAndDecrypt checks the fetched bytes against the caller-supplied
// SHA-256 challenge, then decrypts them with the symmetric key. The first
// 16 bytes of the ciphertext are the IV, the remainder AES-CBC with PKCS#5
// padding.
func VerifyAndDecrypt(fetched, challenge, key []byte) ([]byte, error) {
	sum := sha256.Sum256(fetched)
	if !hmac.Equal(sum[:], challenge) {
		return nil, ErrIntegrity
	}
	return Decrypt(key, fetched)
}

// Encrypt encrypts plaintext with AES-CBC/PKCS#5, prefixing a random IV.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}
	if len(ciphertext) < aes.BlockSize || (len(ciphertext)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, errors.New("asset: malformed ciphertext")
	}
	iv := ciphertext[:aes.BlockSize]
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, ciphertext[aes.BlockSize:])
	return unpad(body, aes.BlockSize)
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("asset: invalid padding")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("asset: invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("asset: invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
