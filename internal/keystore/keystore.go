// Package keystore maps a presented API credential to an Identity record,
// implementing the Key Store contract from spec §4.1. The plaintext
// credential is never stored — only a one-way SHA-256 hash and a short
// display prefix are persisted; verification is hash-compare.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Priority is the scheduling priority attached to an Identity. Higher
// values take precedence in the Priority Wait Queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String renders the priority the way it appears in API payloads.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority parses the wire representation, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// RateOverrides optionally narrows or widens the default per-identity caps.
// A zero field means "use the policy default".
type RateOverrides struct {
	MaxConcurrent int
	MaxRPM        int
	MaxSSE        int
}

// Identity is the durable record behind an API key (spec §3).
type Identity struct {
	ID          string
	Hash        string // sha256 hex of the presented credential
	Prefix      string // short printable prefix, e.g. "sk-ab12cd"
	Description string
	Priority    Priority
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	Overrides   *RateOverrides
}

// Expired reports whether the identity's TTL has elapsed as of now.
func (id *Identity) Expired(now time.Time) bool {
	return id.ExpiresAt != nil && !id.ExpiresAt.After(now)
}

// Revoked reports whether the identity has been revoked.
func (id *Identity) Revoked() bool {
	return id.RevokedAt != nil
}

// Sentinel resolution errors (spec §4.1: NotFound | Expired | Revoked).
var (
	ErrNotFound = errors.New("identity not found")
	ErrExpired  = errors.New("identity expired")
	ErrRevoked  = errors.New("identity revoked")
)

const (
	credentialPrefix = "sk-"
	tokenLength      = 32
	tokenAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// hashCredential computes the stored, one-way hash of a presented
// credential. Verification is always hash-compare against this value.
func hashCredential(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

// generateCredential draws tokenLength characters from a
// cryptographically secure source and returns the full "sk-..." token
// along with the short prefix used for display purposes.
func generateCredential() (plaintext, prefix string, err error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token := make([]byte, tokenLength)
	for i, b := range buf {
		token[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	plaintext = credentialPrefix + string(token)
	prefix = plaintext[:len(credentialPrefix)+6]
	return plaintext, prefix, nil
}
