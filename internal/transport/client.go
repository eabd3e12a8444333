// Package transport is the thin HTTPS/JSON client for the bot service:
// envelope delivery, pre-key and device discovery, asset upload/download.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helium-bots/helium/internal/device"
)

// StatusError reports an unexpected response status. Callers do not retry
// transport errors; a failed send fails the whole dispatcher operation.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.Code, e.Body)
}

// AssetKey is the remote handle returned by an asset upload. Token, when
// present, must accompany the later download.
type AssetKey struct {
	Key   string `json:"key"`
	Token string `json:"token"`
}

// Conversation is the bot's owning conversation as reported by the service.
type Conversation struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// Member is one conversation participant.
type Member struct {
	ID string `json:"id"`
}

// User is a participant profile.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// The process-wide connection pool. Transport clients are cheap per-bot
// values sharing this pool.
var defaultHTTPClient = &http.Client{Timeout: 40 * time.Second}

// Client talks to the bot service on behalf of one bot, authenticating
// with its bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the shared HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a transport client for one bot.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, token: token, http: defaultHTTPClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any, accept ...int) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("transport: read response: %w", err)
	}

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// SendEnvelope posts the envelope. Both 200 and 412 carry the service's
// missing-device report; 412 is the protocol's normal "some devices
// missing" signal, not an error.
func (c *Client) SendEnvelope(ctx context.Context, env *device.Envelope, ignoreMissing bool) (device.Set, error) {
	query := url.Values{"ignore_missing": {strconv.FormatBool(ignoreMissing)}}
	req, err := c.newRequest(ctx, http.MethodPost, "/bot/messages", query, env)
	if err != nil {
		return nil, err
	}
	var report device.Missing
	if _, err := c.do(req, &report, http.StatusOK, http.StatusPreconditionFailed); err != nil {
		return nil, err
	}
	if report.Missing == nil {
		report.Missing = device.NewSet()
	}
	return report.Missing, nil
}

// FetchPreKeys fetches one pre-key per requested device.
func (c *Client) FetchPreKeys(ctx context.Context, devices device.Set) (device.PreKeyBundle, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/bot/users/prekeys", nil, devices)
	if err != nil {
		return nil, err
	}
	bundle := make(device.PreKeyBundle)
	if _, err := c.do(req, &bundle, http.StatusOK); err != nil {
		return nil, err
	}
	return bundle, nil
}

// FetchConversation fetches the bot's conversation and its participants.
func (c *Client) FetchConversation(ctx context.Context) (*Conversation, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/bot/conversation", nil, nil)
	if err != nil {
		return nil, err
	}
	conv := &Conversation{}
	if _, err := c.do(req, conv, http.StatusOK); err != nil {
		return nil, err
	}
	return conv, nil
}

// FetchUsers fetches participant profiles by id.
func (c *Client) FetchUsers(ctx context.Context, ids []string) ([]User, error) {
	query := url.Values{"ids": {strings.Join(ids, ",")}}
	req, err := c.newRequest(ctx, http.MethodGet, "/bot/users", query, nil)
	if err != nil {
		return nil, err
	}
	var users []User
	if _, err := c.do(req, &users, http.StatusOK); err != nil {
		return nil, err
	}
	return users, nil
}

// FetchAvailablePreKeyIDs lists the ids of this bot's pre-keys still held
// by the service.
func (c *Client) FetchAvailablePreKeyIDs(ctx context.Context) ([]int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/bot/client/prekeys", nil, nil)
	if err != nil {
		return nil, err
	}
	var ids []int
	if _, err := c.do(req, &ids, http.StatusOK); err != nil {
		return nil, err
	}
	return ids, nil
}

type preKeyUpload struct {
	PreKeys []device.PreKey `json:"prekeys"`
}

// UploadPreKeys registers fresh pre-keys with the service.
func (c *Client) UploadPreKeys(ctx context.Context, keys []device.PreKey) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/bot/client/prekeys", nil, preKeyUpload{PreKeys: keys})
	if err != nil {
		return err
	}
	_, err = c.do(req, nil, http.StatusOK, http.StatusCreated)
	return err
}

// UploadAsset posts a pre-built multipart body (see the asset package) and
// returns the remote handle.
func (c *Client) UploadAsset(ctx context.Context, body []byte, contentType string) (*AssetKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot/assets", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)

	key := &AssetKey{}
	if _, err := c.do(req, key, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return key, nil
}

// DownloadAsset fetches the raw bytes of a previously uploaded asset.
func (c *Client) DownloadAsset(ctx context.Context, key, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bot/assets/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if token != "" {
		req.Header.Set("Asset-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: download asset: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read asset: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
