package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is a single audit record. Each entry commits to the one before it via
// the hash chain, so a mutated or dropped record breaks verification.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Action       string `json:"action"`
	Subject      string `json:"subject"`
	Details      string `json:"details"`
	Hash         string `json:"hash"`
}

// ChainLogger records money-moving operations and integrity alerts as a
// tamper-evident hash chain.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	recent       []*Entry
	keep         int
}

// NewChainLogger creates a ChainLogger seeded with a zero hash. It retains the
// most recent entries in memory for inspection and verification.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		keep:         1024,
	}
}

// Record appends an audit entry for an action on a subject (an account or
// generation request id).
func (c *ChainLogger) Record(action, subject, details string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Action:       action,
		Subject:      subject,
		Details:      details,
	}
	entry.Hash = entryHash(entry)

	c.previousHash = entry.Hash
	c.recent = append(c.recent, entry)
	if len(c.recent) > c.keep {
		c.recent = c.recent[len(c.recent)-c.keep:]
	}
	return entry
}

// Recent returns a copy of the retained entries in append order.
func (c *ChainLogger) Recent() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Entry, len(c.recent))
	copy(out, c.recent)
	return out
}

func entryHash(e *Entry) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s", e.PreviousHash, e.Timestamp, e.Action, e.Subject, e.Details)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that a slice of entries forms an unbroken, correctly
// hashed chain.
func VerifyChain(entries []*Entry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry) != entry.Hash {
			return false
		}
	}
	return true
}
