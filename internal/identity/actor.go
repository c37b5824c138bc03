// Package identity models the two kinds of actors the realtime layer deals
// with: registered users and anonymous visitors identified by a hashed client
// address. The string form ("u:123" / "a:<hash>") exists only at the cache-key
// boundary; all Go code passes the Actor value.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the Actor union.
type Kind int

const (
	Registered Kind = iota + 1
	Anonymous
)

// Actor names exactly one voter or chat participant.
type Actor struct {
	kind   Kind
	userID uint
	hash   string
}

// NewRegistered builds an actor for a registered user id.
func NewRegistered(userID uint) Actor {
	return Actor{kind: Registered, userID: userID}
}

// NewAnonymous builds an actor for an anonymous address hash.
func NewAnonymous(hash string) Actor {
	return Actor{kind: Anonymous, hash: hash}
}

// HashAddress derives the stable anonymous identifier for a client address.
func HashAddress(addr string) string {
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:])
}

// Kind reports which variant this actor is.
func (a Actor) Kind() Kind { return a.kind }

// IsZero reports whether the actor is unset.
func (a Actor) IsZero() bool { return a.kind == 0 }

// UserID returns the registered user id; valid only when Kind is Registered.
func (a Actor) UserID() uint { return a.userID }

// AnonHash returns the address hash; valid only when Kind is Anonymous.
func (a Actor) AnonHash() string { return a.hash }

// CacheKey renders the actor as the opaque string stored in cache voter sets
// and fanout identity keys.
func (a Actor) CacheKey() string {
	switch a.kind {
	case Registered:
		return "u:" + strconv.FormatUint(uint64(a.userID), 10)
	case Anonymous:
		return "a:" + a.hash
	default:
		return ""
	}
}

// ParseCacheKey inverts CacheKey.
func ParseCacheKey(key string) (Actor, error) {
	value, ok := strings.CutPrefix(key, "u:")
	if ok {
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Actor{}, fmt.Errorf("invalid registered actor key %q: %w", key, err)
		}
		return NewRegistered(uint(id)), nil
	}

	if value, ok = strings.CutPrefix(key, "a:"); ok && value != "" {
		return NewAnonymous(value), nil
	}

	return Actor{}, fmt.Errorf("invalid actor key %q", key)
}
