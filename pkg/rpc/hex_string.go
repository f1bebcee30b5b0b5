package rpc

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

// HexString carries bytes as a hex string in JSON. Decoding accepts
// upper or lower case and ignores spaces.
type HexString []byte

// MarshalJSON serializes HexString to hex
func (s HexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes HexString from hex
func (s *HexString) UnmarshalJSON(data []byte) error {
	var x string
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.ReplaceAll(x, " ", ""))
	if err != nil {
		return err
	}
	*s = b
	return nil
}

func (s HexString) String() string {
	return strings.ToUpper(hex.EncodeToString(s))
}
