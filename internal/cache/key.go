package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// keyDomain separates cache-key hashes from any other hash in the system.
// The version suffix allows a future algorithm migration.
const keyDomain = "codemarshal/cache-key/v1"

// Key identifies a cache entry.
//
// Identity is every field except Version: two keys that differ only in
// Version address the same slot, and the stored version decides whether a
// read hits or a write is accepted. Version <= 0 means 1.
type Key struct {
	Type            EntryType
	InvestigationID string
	SessionID       string
	ObservationID   string
	PatternName     string
	Version         int
}

// WithVersion returns a copy of k at version v.
func (k Key) WithVersion(v int) Key {
	k.Version = v
	return k
}

func (k Key) normalized() Key {
	if k.Version <= 0 {
		k.Version = 1
	}
	return k
}

// Canonical renders the identity fields in a fixed order.
func (k Key) Canonical() string {
	var b strings.Builder
	b.Grow(64 + len(k.InvestigationID) + len(k.SessionID) + len(k.ObservationID) + len(k.PatternName))
	b.WriteString("type=")
	b.WriteString(strconv.Quote(string(k.Type)))
	b.WriteString("|investigation=")
	b.WriteString(strconv.Quote(k.InvestigationID))
	b.WriteString("|session=")
	b.WriteString(strconv.Quote(k.SessionID))
	b.WriteString("|observation=")
	b.WriteString(strconv.Quote(k.ObservationID))
	b.WriteString("|pattern=")
	b.WriteString(strconv.Quote(k.PatternName))
	return b.String()
}

// Hash is the storage key: SHA-256 over domain + 0x00 + Canonical().
func (k Key) Hash() string {
	h := sha256.New()
	h.Write([]byte(keyDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(k.Canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

func (k Key) String() string {
	return k.Canonical() + "|version=" + strconv.Itoa(k.normalized().Version)
}
