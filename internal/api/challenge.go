package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bitcoinbank/perpengine/internal/clock"
)

// challengeStore issues and verifies short-lived login challenges and
// rejects replayed signed-event IDs. Both maps share one mutex since they're
// always consulted together during request verification.
type challengeStore struct {
	clk clock.Clock
	ttl time.Duration

	mu         sync.Mutex
	challenges map[string]challengeEntry // keyed by pubkey
	seenEvents map[string]struct{}       // processed event IDs, for replay rejection
}

type challengeEntry struct {
	value     string
	expiresAt time.Time
}

func newChallengeStore(clk clock.Clock, ttl time.Duration) *challengeStore {
	return &challengeStore{
		clk:        clk,
		ttl:        ttl,
		challenges: make(map[string]challengeEntry),
		seenEvents: make(map[string]struct{}),
	}
}

// Issue generates and stores a fresh challenge for pubkey.
func (c *challengeStore) Issue(pubkey string) (string, int64, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", 0, fmt.Errorf("generate challenge: %w", err)
	}
	now := c.clk.Now()
	challenge := fmt.Sprintf("bank:%d:%s", now.Unix(), hex.EncodeToString(buf[:]))
	expiresAt := now.Add(c.ttl)

	c.mu.Lock()
	c.challenges[pubkey] = challengeEntry{value: challenge, expiresAt: expiresAt}
	c.mu.Unlock()

	return challenge, expiresAt.Unix(), nil
}

// VerifyChallenge checks that content is pubkey's current, unexpired
// challenge, consuming it on success (a challenge is single-use).
func (c *challengeStore) VerifyChallenge(pubkey, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.challenges[pubkey]
	if !ok {
		return fmt.Errorf("no outstanding challenge for pubkey")
	}
	if c.clk.Now().After(entry.expiresAt) {
		delete(c.challenges, pubkey)
		return fmt.Errorf("challenge expired")
	}
	if entry.value != content {
		return fmt.Errorf("challenge mismatch")
	}
	delete(c.challenges, pubkey)
	return nil
}

// CheckAndMarkEvent returns an error if eventID has already been processed;
// otherwise it marks eventID processed and returns nil.
func (c *challengeStore) CheckAndMarkEvent(eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seenEvents[eventID]; ok {
		return fmt.Errorf("event already processed")
	}
	c.seenEvents[eventID] = struct{}{}
	return nil
}
