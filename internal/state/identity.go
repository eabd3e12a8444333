// Package state persists a bot instance's identity record.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helium-bots/helium/internal/statestore/physical"
)

const identityRecordKey = "identity/session"

// ErrMissingState indicates the bot has no identity record yet: Load was
// called before Save. Fatal for the in-flight request (maps to 410 at the
// server boundary), never retried.
var ErrMissingState = errors.New("bot state not provisioned")

// BotSession is a bot instance's identity record: written once at
// provisioning, read on every dispatcher operation, mutated only by token
// rotation.
type BotSession struct {
	BotID          string `json:"bot_id"`
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token"`
}

// IdentityStore persists one bot's BotSession through a record store.
type IdentityStore struct {
	store physical.Backend
}

// NewIdentityStore wraps the given backend.
func NewIdentityStore(store physical.Backend) *IdentityStore {
	return &IdentityStore{store: store}
}

// Save writes the identity record.
func (s *IdentityStore) Save(ctx context.Context, session *BotSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("identity: marshal session: %w", err)
	}
	if err := s.store.Put(ctx, identityRecordKey, raw); err != nil {
		return fmt.Errorf("identity: persist session: %w", err)
	}
	return nil
}

// Load reads the identity record, failing with ErrMissingState when the bot
// was never provisioned.
func (s *IdentityStore) Load(ctx context.Context) (*BotSession, error) {
	raw, err := s.store.Get(ctx, identityRecordKey)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, ErrMissingState
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load session: %w", err)
	}
	session := &BotSession{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, fmt.Errorf("identity: parse session: %w", err)
	}
	return session, nil
}

// Exists reports whether an identity record has been saved.
func (s *IdentityStore) Exists(ctx context.Context) (bool, error) {
	_, err := s.store.Get(ctx, identityRecordKey)
	if errors.Is(err, physical.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity: check session: %w", err)
	}
	return true, nil
}

// RotateToken replaces the stored authentication token.
func (s *IdentityStore) RotateToken(ctx context.Context, token string) error {
	session, err := s.Load(ctx)
	if err != nil {
		return err
	}
	session.Token = token
	return s.Save(ctx, session)
}

// Close releases the underlying store.
func (s *IdentityStore) Close() error {
	return s.store.Close()
}
