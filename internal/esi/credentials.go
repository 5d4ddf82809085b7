package esi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/esisync/esisync/internal/config"
	"github.com/esisync/esisync/internal/core"
)

// StaticCredentials serves access tokens supplied by configuration.
// Tokens can be replaced at runtime with SetToken.
type StaticCredentials struct {
	mu     sync.RWMutex
	tokens map[core.EntityID]string
}

// NewStaticCredentials indexes the tokens of the configured entities.
func NewStaticCredentials(entities []config.EntityConfig) *StaticCredentials {
	c := &StaticCredentials{tokens: make(map[core.EntityID]string, len(entities))}
	for _, entity := range entities {
		c.tokens[core.EntityID(entity.ID)] = strings.TrimSpace(entity.Token)
	}
	return c
}

// Credentials returns the entity's token or ErrReauthRequired when none is held.
func (c *StaticCredentials) Credentials(_ context.Context, entity core.EntityID) (core.Credentials, error) {
	c.mu.RLock()
	token, ok := c.tokens[entity]
	c.mu.RUnlock()
	if !ok || token == "" {
		return core.Credentials{}, fmt.Errorf("entity %s: %w", entity, core.ErrReauthRequired)
	}
	return core.Credentials{Entity: entity, AccessToken: token}, nil
}

// SetToken installs or clears an entity's token.
func (c *StaticCredentials) SetToken(entity core.EntityID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[entity] = strings.TrimSpace(token)
}
