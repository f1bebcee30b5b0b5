package iso7816

import (
	"fmt"

	"github.com/gregLibert/secure-element/pkg/bits"
)

// Instruction Byte (INS) Logic according to ISO/IEC 7816-4.
//
// The INS byte identifies the specific command to be performed by the card.
//
// 1. Data Encoding (Bit 1):
//    When using the interindustry class, the least significant bit (Bit 1) often indicates
//    the format of the data field.
//    - 0: Standard or no specific formatting.
//    - 1: BER-TLV encoded data structure.
//    Example: READ BINARY (0xB0) vs READ BINARY (BER-TLV) (0xB1).
//
// 2. Reserved Ranges:
//    INS values where the upper nibble is '6' or '9' (0x6X or 0x9X) are invalid.
//    These values are reserved for Status Words (SW1) or transport layer control
//    procedures (ISO/IEC 7816-3).

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Standard Instruction (INS) codes as defined in ISO/IEC 7816-4.
const (
	INS_VERIFY                InsCode = 0x20
	INS_MANAGE_CHANNEL        InsCode = 0x70
	INS_EXTERNAL_AUTHENTICATE InsCode = 0x82
	INS_GET_CHALLENGE         InsCode = 0x84
	INS_INTERNAL_AUTHENTICATE InsCode = 0x88
	INS_SELECT                InsCode = 0xA4
	INS_READ_BINARY           InsCode = 0xB0
	INS_READ_BINARY_BER       InsCode = 0xB1
	INS_READ_RECORD           InsCode = 0xB2
	INS_GET_RESPONSE          InsCode = 0xC0
	INS_ENVELOPE              InsCode = 0xC2
	INS_GET_DATA              InsCode = 0xCA
	INS_GET_DATA_BER          InsCode = 0xCB
	INS_UPDATE_BINARY         InsCode = 0xD6
	INS_PUT_DATA              InsCode = 0xDA
	INS_CREATE_FILE           InsCode = 0xE0
	INS_TERMINATE_CARD_USAGE  InsCode = 0xFE
)

var insNames = map[InsCode]string{
	INS_VERIFY:                "INS_VERIFY",
	INS_MANAGE_CHANNEL:        "INS_MANAGE_CHANNEL",
	INS_EXTERNAL_AUTHENTICATE: "INS_EXTERNAL_AUTHENTICATE",
	INS_GET_CHALLENGE:         "INS_GET_CHALLENGE",
	INS_INTERNAL_AUTHENTICATE: "INS_INTERNAL_AUTHENTICATE",
	INS_SELECT:                "INS_SELECT",
	INS_READ_BINARY:           "INS_READ_BINARY",
	INS_READ_BINARY_BER:       "INS_READ_BINARY_BER",
	INS_READ_RECORD:           "INS_READ_RECORD",
	INS_GET_RESPONSE:          "INS_GET_RESPONSE",
	INS_ENVELOPE:              "INS_ENVELOPE",
	INS_GET_DATA:              "INS_GET_DATA",
	INS_GET_DATA_BER:          "INS_GET_DATA_BER",
	INS_UPDATE_BINARY:         "INS_UPDATE_BINARY",
	INS_PUT_DATA:              "INS_PUT_DATA",
	INS_CREATE_FILE:           "INS_CREATE_FILE",
	INS_TERMINATE_CARD_USAGE:  "INS_TERMINATE_CARD_USAGE",
}

// String returns the constant name of a known instruction, or its hex value.
func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(%02X)", byte(i))
}

// Instruction represents the parsed ISO 7816-4 Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction object with validation.
// It rejects '6X' and '9X' values as they are invalid according to ISO 7816-3.
func NewInstruction(ins InsCode) (Instruction, error) {
	highNibble := byte(ins) & 0xF0
	if highNibble == 0x60 || highNibble == 0x90 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(ins))
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1),
	}, nil
}

// mustInstruction is for the package's own well-known codes.
func mustInstruction(ins InsCode) Instruction {
	i, err := NewInstruction(ins)
	if err != nil {
		panic(err)
	}
	return i
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw.String(), format)
}
