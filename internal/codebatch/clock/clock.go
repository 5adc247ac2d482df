// Package clock isolates the two non-deterministic inputs the core otherwise
// needs -- wall-clock time and random ID suffixes -- behind a small seam so
// tests can substitute fixed values without a "test mode" flag leaking into
// production code paths.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Clock supplies the current time and random ID material.
type Clock interface {
	Now() time.Time
	RandHex(n int) string
}

// System is the production Clock, backed by time.Now and crypto/rand.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) RandHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are effectively unrecoverable on any real
		// platform; fall back to a time-derived value rather than panic.
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}

// RFC3339Z formats t as RFC3339 in UTC with a literal "Z" suffix, matching
// the wire format every persisted timestamp in the store uses.
func RFC3339Z(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
