package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the entity kind encoded in an ExternalID.
type Prefix string

const (
	PrefixTask       Prefix = "task"
	PrefixInputFile  Prefix = "input-file"
	PrefixOutputFile Prefix = "output-file"
	PrefixFunction   Prefix = "function"
	PrefixFusionData Prefix = "fusion-data"
	PrefixUser       Prefix = "user"
)

var knownPrefixes = map[Prefix]bool{
	PrefixTask:       true,
	PrefixInputFile:  true,
	PrefixOutputFile: true,
	PrefixFunction:   true,
	PrefixFusionData: true,
	PrefixUser:       true,
}

// ExternalID is the wire-visible identifier for every entity: a
// registered prefix, a dash, and a UUID, e.g. "task-3fa85f64-5717-...".
type ExternalID struct {
	Prefix Prefix
	UUID   uuid.UUID
}

// NewExternalID builds an ExternalID with a fresh random UUID.
func NewExternalID(prefix Prefix) ExternalID {
	return ExternalID{Prefix: prefix, UUID: uuid.New()}
}

func (e ExternalID) String() string {
	return fmt.Sprintf("%s-%s", e.Prefix, e.UUID.String())
}

// IsZero reports whether e is the zero value (unset).
func (e ExternalID) IsZero() bool {
	return e.Prefix == "" && e.UUID == uuid.Nil
}

// ParseExternalID parses and validates a wire-form external id. The
// prefix must be one of the registered prefixes and the remainder must
// be a well-formed UUID; anything else is rejected here rather than
// deferred to the caller.
func ParseExternalID(s string) (ExternalID, error) {
	pos := strings.IndexByte(s, '-')
	if pos < 0 {
		return ExternalID{}, fmt.Errorf("invalid external id %q: no prefix separator", s)
	}
	// input-file and output-file and fusion-data prefixes contain a
	// dash themselves, so match against the registry with the dashed
	// prefixes first rather than splitting at the first dash.
	for _, p := range []Prefix{PrefixInputFile, PrefixOutputFile, PrefixFusionData, PrefixTask, PrefixFunction, PrefixUser} {
		prefixStr := string(p) + "-"
		if strings.HasPrefix(s, prefixStr) {
			rest := s[len(prefixStr):]
			id, err := uuid.Parse(rest)
			if err != nil {
				return ExternalID{}, fmt.Errorf("invalid external id %q: %w", s, err)
			}
			return ExternalID{Prefix: p, UUID: id}, nil
		}
	}
	return ExternalID{}, fmt.Errorf("invalid external id %q: unknown prefix", s)
}

// MustParseExternalID panics on a malformed id; reserved for tests and
// fixtures where the id is a compile-time constant.
func MustParseExternalID(s string) ExternalID {
	id, err := ParseExternalID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (e ExternalID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *ExternalID) UnmarshalText(text []byte) error {
	id, err := ParseExternalID(string(text))
	if err != nil {
		return err
	}
	*e = id
	return nil
}

func validPrefix(p Prefix) bool {
	return knownPrefixes[p]
}
