package etag

import "github.com/google/uuid"

// Issuer produces opaque version tokens for optimistic concurrency checks.
// Tokens are never reused; equality implies identical content.
type Issuer interface {
	Issue() (string, error)
}

type uuidIssuer struct{}

// NewUUIDIssuer constructs an Issuer backed by UUIDv7 identifiers.
func NewUUIDIssuer() Issuer {
	return &uuidIssuer{}
}

func (i *uuidIssuer) Issue() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Validate reports whether an expected token matches the stored token.
// Comparison is byte-exact; there is no partial or semantic matching.
func Validate(expected, actual string) bool {
	return expected == actual
}

// HasPrecondition reports whether a client supplied an expected token at all.
// An absent token means "no precondition", not an error.
func HasPrecondition(expected string) bool {
	return expected != ""
}
