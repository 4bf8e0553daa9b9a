package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names an entity kind held in the cache.
type Kind string

const (
	KindAccount    Kind = "account"
	KindReport     Kind = "report"
	KindTask       Kind = "task"
	KindAttendance Kind = "attendance"
)

// Kinds lists every entity kind in push order. Accounts go first so that
// remote rows referencing an owner find it already created.
var Kinds = []Kind{KindAccount, KindReport, KindTask, KindAttendance}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAccount, KindReport, KindTask, KindAttendance:
		return true
	}
	return false
}

// ParseKind converts a user-supplied name to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrInvalid, s)
	}
	return k, nil
}

// Identifier addresses a record either by the id the local store assigned or
// by the id the remote store assigned. The zero value is invalid.
type Identifier struct {
	local  uint64
	remote string
}

// Local returns an Identifier for a local store id.
func Local(id uint64) Identifier {
	return Identifier{local: id}
}

// Remote returns an Identifier for a remote store id.
func Remote(id string) Identifier {
	return Identifier{remote: id}
}

// IsZero reports whether the identifier addresses nothing.
func (id Identifier) IsZero() bool {
	return id.local == 0 && id.remote == ""
}

// IsLocal reports whether the identifier is a local store id.
func (id Identifier) IsLocal() bool {
	return id.local != 0
}

// Local returns the local id and true, or 0 and false for a remote identifier.
func (id Identifier) Local() (uint64, bool) {
	return id.local, id.local != 0
}

// Remote returns the remote id and true, or "" and false for a local identifier.
func (id Identifier) Remote() (string, bool) {
	return id.remote, id.remote != ""
}

func (id Identifier) String() string {
	switch {
	case id.local != 0:
		return "local:" + strconv.FormatUint(id.local, 10)
	case id.remote != "":
		return "remote:" + id.remote
	default:
		return "<none>"
	}
}

// ParseIdentifier reads an identifier as printed by String. A bare number is
// a local id; any other bare value is a remote id.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Identifier{}, fmt.Errorf("%w: empty identifier", ErrInvalid)
	case strings.HasPrefix(s, "remote:"):
		if id := strings.TrimPrefix(s, "remote:"); id != "" {
			return Remote(id), nil
		}
		return Identifier{}, fmt.Errorf("%w: empty remote identifier", ErrInvalid)
	case strings.HasPrefix(s, "local:"):
		s = strings.TrimPrefix(s, "local:")
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || n == 0 {
			return Identifier{}, fmt.Errorf("%w: bad local identifier %q", ErrInvalid, s)
		}
		return Local(n), nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil && n != 0 {
		return Local(n), nil
	}
	return Remote(s), nil
}
