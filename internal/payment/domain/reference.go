package domain

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const referencePrefix = "TXN-"

// Reference is the externally visible transaction identifier shared with
// providers and customers. ULIDs keep it unique and sortable by creation time.
type Reference string

// NewReference generates a fresh reference.
func NewReference() Reference {
	return Reference(referencePrefix + ulid.Make().String())
}

// ParseReference validates a reference received from outside.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, referencePrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	if _, err := ulid.ParseStrict(strings.TrimPrefix(s, referencePrefix)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	return Reference(s), nil
}

func (r Reference) String() string {
	return string(r)
}
