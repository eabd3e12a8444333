// Package bot is the developer-facing client handle. It composes the
// dispatcher, transport and asset codec into the operations a bot
// implementation calls: send text, reactions, pictures, files, and
// download of received assets.
package bot

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/helium-bots/helium/internal/asset"
	"github.com/helium-bots/helium/internal/cryptobox"
	"github.com/helium-bots/helium/internal/registry"
)

// DefaultRetention is the asset retention policy requested on upload.
const DefaultRetention = "persistent"

// Client wraps an acquired registry handle for the duration of one
// exclusive scope. It must not outlive the handle's release.
type Client struct {
	h *registry.Handle
}

// Wrap builds a client over an acquired handle.
func Wrap(h *registry.Handle) *Client {
	return &Client{h: h}
}

// BotID returns the bot instance id.
func (c *Client) BotID() string {
	return c.h.BotID
}

// ConversationID returns the bot's owning conversation.
func (c *Client) ConversationID() string {
	return c.h.Session.ConversationID
}

// Message frames: the dispatcher treats payloads as opaque bytes; these
// JSON shapes are the application-level framing the convenience senders
// produce.
type message struct {
	MessageID string        `json:"message_id"`
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	Emoji     string        `json:"emoji,omitempty"`
	RefID     string        `json:"ref_message_id,omitempty"`
	Asset     *AssetPayload `json:"asset,omitempty"`
}

// AssetPayload carries the key material a recipient needs to fetch and
// decrypt an uploaded asset.
type AssetPayload struct {
	Key      string `json:"key"`
	Token    string `json:"token,omitempty"`
	OTRKey   string `json:"otr_key"`
	SHA256   string `json:"sha256"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
	Size     int    `json:"size"`
}

func (c *Client) post(ctx context.Context, m message) error {
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("bot: marshal message: %w", err)
	}
	return c.h.Dispatcher.Send(ctx, payload)
}

// SendText delivers a text message to every device in the conversation.
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.post(ctx, message{Type: "text", Text: text})
}

// SendReaction delivers an emoji reaction to a previous message.
func (c *Client) SendReaction(ctx context.Context, refMessageID, emoji string) error {
	return c.post(ctx, message{Type: "reaction", RefID: refMessageID, Emoji: emoji})
}

// SendPing delivers a knock.
func (c *Client) SendPing(ctx context.Context) error {
	return c.post(ctx, message{Type: "ping"})
}

// SendDelete asks recipients to delete a previous message.
func (c *Client) SendDelete(ctx context.Context, refMessageID string) error {
	return c.post(ctx, message{Type: "delete", RefID: refMessageID})
}

// SendPicture encrypts and uploads the image, then fans out the asset key
// material.
func (c *Client) SendPicture(ctx context.Context, data []byte, mimeType string) error {
	payload, err := c.uploadEncrypted(ctx, data, mimeType, "")
	if err != nil {
		return err
	}
	return c.post(ctx, message{Type: "picture", Asset: payload})
}

// SendFile encrypts and uploads an arbitrary file, then fans out the asset
// key material.
func (c *Client) SendFile(ctx context.Context, data []byte, name, mimeType string) error {
	payload, err := c.uploadEncrypted(ctx, data, mimeType, name)
	if err != nil {
		return err
	}
	return c.post(ctx, message{Type: "file", Asset: payload})
}

func (c *Client) uploadEncrypted(ctx context.Context, data []byte, mimeType, name string) (*AssetPayload, error) {
	otrKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, otrKey); err != nil {
		return nil, fmt.Errorf("bot: generate asset key: %w", err)
	}

	encrypted, err := asset.Encrypt(otrKey, data)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(encrypted)

	body, err := asset.EncodeUpload(asset.Upload{
		Data:      encrypted,
		MimeType:  mimeType,
		Public:    false,
		Retention: DefaultRetention,
	})
	if err != nil {
		return nil, err
	}

	key, err := c.h.Transport.UploadAsset(ctx, body, asset.ContentType)
	if err != nil {
		return nil, err
	}

	return &AssetPayload{
		Key:      key.Key,
		Token:    key.Token,
		OTRKey:   base64.StdEncoding.EncodeToString(otrKey),
		SHA256:   base64.StdEncoding.EncodeToString(digest[:]),
		MimeType: mimeType,
		Name:     name,
		Size:     len(data),
	}, nil
}

// DownloadAsset fetches a received asset, verifies its digest and decrypts
// it with the key material from the sender's AssetPayload.
func (c *Client) DownloadAsset(ctx context.Context, p *AssetPayload) ([]byte, error) {
	challenge, err := base64.StdEncoding.DecodeString(p.SHA256)
	if err != nil {
		return nil, fmt.Errorf("bot: malformed asset digest: %w", err)
	}
	otrKey, err := base64.StdEncoding.DecodeString(p.OTRKey)
	if err != nil {
		return nil, fmt.Errorf("bot: malformed asset key: %w", err)
	}

	raw, err := c.h.Transport.DownloadAsset(ctx, p.Key, p.Token)
	if err != nil {
		return nil, err
	}
	return asset.VerifyAndDecrypt(raw, challenge, otrKey)
}

// Decrypt decrypts a ciphertext received from the given device.
func (c *Client) Decrypt(ctx context.Context, userID, clientID, cipher string) ([]byte, error) {
	return c.h.Box.Decrypt(ctx, userID, clientID, cipher)
}

// ReplenishPreKeys tops the bot's pre-key supply back up when the service
// is running low, registering fresh keys above the highest known id.
func (c *Client) ReplenishPreKeys(ctx context.Context, minRemaining, batch int) error {
	ids, err := c.h.Transport.FetchAvailablePreKeyIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) >= minRemaining {
		return nil
	}

	next := 0
	for _, id := range ids {
		if id >= next && id != cryptobox.LastResortPreKeyID {
			next = id + 1
		}
	}
	keys, err := c.h.Box.NewPreKeys(ctx, next, batch)
	if err != nil {
		return err
	}
	return c.h.Transport.UploadPreKeys(ctx, keys)
}
