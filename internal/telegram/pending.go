package telegram

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/aria2bot/internal/domain"
)

// pendingAdd is a submission waiting for the user to pick a target directory.
// URIs carries magnet/http submissions; FileID a torrent document still on
// Telegram's servers.
type pendingAdd struct {
	Kind   domain.SourceKind
	Dir    string
	URIs   []string
	FileID string
	Name   string
}

// pendingCache maps one-shot callback tokens to pending submissions. Entries
// expire so an abandoned confirmation keyboard cannot pin memory forever.
type pendingCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]pendingEntry
}

type pendingEntry struct {
	add       pendingAdd
	expiresAt time.Time
}

func newPendingCache(ttl time.Duration) *pendingCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &pendingCache{
		ttl: ttl,
		m:   make(map[string]pendingEntry),
	}
}

// put registers the submission under a fresh token and returns the token.
func (c *pendingCache) put(add pendingAdd) string {
	token := uuid.New().String()
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.m {
		if e.expiresAt.Before(now) {
			delete(c.m, k)
		}
	}
	c.m[token] = pendingEntry{add: add, expiresAt: now.Add(c.ttl)}
	return token
}

// take removes and returns the submission for token. Each token is single
// use: a double-pressed confirm button cannot submit twice.
func (c *pendingCache) take(token string) (pendingAdd, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[token]
	if !ok {
		return pendingAdd{}, false
	}
	delete(c.m, token)
	if e.expiresAt.Before(time.Now()) {
		return pendingAdd{}, false
	}
	return e.add, true
}
