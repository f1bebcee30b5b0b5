package se

import (
	"bytes"
	"encoding/hex"
	"strings"
)

// AID length bounds of ISO 7816-4 application identifiers.
const (
	MinAIDLength = 5
	MaxAIDLength = 16
)

// AID is an immutable application identifier.
type AID struct {
	b []byte
}

// NewAID copies b into an AID after checking its length.
func NewAID(b []byte) (AID, error) {
	if len(b) < MinAIDLength || len(b) > MaxAIDLength {
		return AID{}, newError(CodeBadParameters, "NewAID", "AID length %d outside %d..%d", len(b), MinAIDLength, MaxAIDLength)
	}
	return AID{b: bytes.Clone(b)}, nil
}

// Bytes returns a copy of the identifier.
func (a AID) Bytes() []byte {
	return bytes.Clone(a.b)
}

func (a AID) Len() int {
	return len(a.b)
}

func (a AID) Equal(other AID) bool {
	return bytes.Equal(a.b, other.b)
}

func (a AID) String() string {
	return strings.ToUpper(hex.EncodeToString(a.b))
}
