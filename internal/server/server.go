// Package server exposes the inbound webhook the bot service calls: bot
// provisioning and encrypted message events. Events are decrypted before
// they reach the registered handler.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/helium-bots/helium/internal/cryptobox"
	"github.com/helium-bots/helium/internal/device"
	"github.com/helium-bots/helium/internal/registry"
	"github.com/helium-bots/helium/internal/state"
	"github.com/helium-bots/helium/pkg/bot"
)

// EventTypeMessageAdd is the encrypted message event. Only this event type
// carries ciphertext in data.text.
const EventTypeMessageAdd = "conversation.otr-message-add"

// Event is the inbound JSON event envelope.
type Event struct {
	Type         string    `json:"type"`
	Conversation string    `json:"conversation"`
	From         string    `json:"from"`
	Time         string    `json:"time"`
	Data         EventData `json:"data"`
}

// EventData carries the message-type-specific fields. Text holds base64
// ciphertext for encrypted message events.
type EventData struct {
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient"`
	Text      string   `json:"text,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// Handler receives each decrypted event together with a scoped bot client.
// plaintext is nil for events without embedded ciphertext.
type Handler func(ctx context.Context, client *bot.Client, ev *Event, plaintext []byte)

type errorMessage struct {
	Message string `json:"message"`
}

// Server is the webhook HTTP handler set.
type Server struct {
	registry  *registry.Registry
	handler   Handler
	authToken string
	log       *slog.Logger
}

// New creates a webhook server validating requests against authToken.
func New(reg *registry.Registry, handler Handler, authToken string) *Server {
	return &Server{
		registry:  reg,
		handler:   handler,
		authToken: authToken,
		log:       slog.Default().With("component", "server"),
	}
}

// Attach registers the webhook routes on the mux.
func (s *Server) Attach(mux *http.ServeMux) {
	mux.HandleFunc("POST /bots", s.handleProvision)
	mux.HandleFunc("POST /bots/{bot}/messages", s.handleMessage)
}

// authorized checks the bearer token the service was configured with at
// registration time. An empty configured token disables the check.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// newBotRequest is the provisioning payload the service posts when a bot
// is added to a conversation.
type newBotRequest struct {
	ID           string `json:"id"`
	Client       string `json:"client"`
	Token        string `json:"token"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type newBotResponse struct {
	PreKeys       []device.PreKey `json:"prekeys"`
	LastResortKey device.PreKey   `json:"last_resort_prekey"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		respond(w, http.StatusUnauthorized, errorMessage{Message: "invalid authorization token"})
		return
	}

	var req newBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		respond(w, http.StatusBadRequest, errorMessage{Message: "malformed bot payload"})
		return
	}

	session := &state.BotSession{
		BotID:          req.ID,
		ClientID:       req.Client,
		ConversationID: req.Conversation.ID,
		Token:          req.Token,
	}
	lastResort, preKeys, err := s.registry.Provision(r.Context(), session)
	if err != nil {
		s.log.ErrorContext(r.Context(), "bot provisioning failed", "bot", req.ID, "error", err)
		respond(w, http.StatusConflict, errorMessage{Message: err.Error()})
		return
	}

	respond(w, http.StatusCreated, newBotResponse{PreKeys: preKeys, LastResortKey: lastResort})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot")

	if !s.authorized(r) {
		s.log.WarnContext(r.Context(), "invalid webhook auth", "bot", botID)
		respond(w, http.StatusUnauthorized, errorMessage{Message: "invalid authorization token"})
		return
	}

	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respond(w, http.StatusBadRequest, errorMessage{Message: "malformed event payload"})
		return
	}

	handle, err := s.registry.Acquire(r.Context(), botID)
	if err != nil {
		s.respondError(w, r, botID, err)
		return
	}
	defer handle.Release()

	client := bot.Wrap(handle)

	var plaintext []byte
	if ev.Type == EventTypeMessageAdd && ev.Data.Text != "" {
		plaintext, err = client.Decrypt(r.Context(), ev.From, ev.Data.Sender, ev.Data.Text)
		if err != nil {
			s.respondError(w, r, botID, err)
			return
		}
	}

	if s.handler != nil {
		s.handler(r.Context(), client, &ev, plaintext)
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, botID string, err error) {
	var sessionErr *cryptobox.SessionError
	switch {
	case errors.Is(err, state.ErrMissingState):
		s.log.ErrorContext(r.Context(), "bot state missing", "bot", botID, "error", err)
		respond(w, http.StatusGone, errorMessage{Message: err.Error()})
	case errors.As(err, &sessionErr):
		s.log.ErrorContext(r.Context(), "decryption failed", "bot", botID, "error", err)
		respond(w, http.StatusServiceUnavailable, errorMessage{Message: err.Error()})
	default:
		s.log.ErrorContext(r.Context(), "event handling failed", "bot", botID, "error", err)
		respond(w, http.StatusBadRequest, errorMessage{Message: err.Error()})
	}
}
