// Package ulid provides a sortable identifier type used for demo
// consumer names, backed by oklog/ulid/v2.
package ulid

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID is a lexicographically sortable 128-bit identifier.
type ULID struct {
	ulid.ULID
}

// New generates a new ULID from the current time.
func New() ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)}
}

// Parse parses a ULID string.
func Parse(s string) (ULID, error) {
	parsed, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, err
	}
	return ULID{parsed}, nil
}

// String returns the canonical string representation.
func (u ULID) String() string {
	return u.ULID.String()
}

// IsZero reports whether u is the zero value.
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// MarshalText implements encoding.TextMarshaler.
func (u ULID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *ULID) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return fmt.Errorf("parse ulid: %w", err)
	}
	*u = parsed
	return nil
}
