package iso7816

import (
	"bytes"
	"fmt"
)

// APDU (Application Protocol Data Unit) structures and encodings according to ISO/IEC 7816-3 and 7816-4.
//
// COMMAND APDU (C-APDU):
// A command consists of a mandatory Header (4 bytes) and an optional Body.
//
// 1. Header:
//   - CLA (Class): Security, Chaining, Logical Channel.
//   - INS (Instruction): The specific command to execute.
//   - P1, P2 (Parameters): Command modifiers.
//
// 2. Body:
//   - Lc (Length Command): Number of bytes in the data field.
//   - Data: The command payload.
//   - Le (Length Expected): Maximum number of bytes expected in the response.
//
// ENCODING CASES (ISO 7816-3):
// - Case 1: No Data, No Response (Header only).
// - Case 2: No Data, Response Expected (Header + Le).
// - Case 3: Data Present, No Response (Header + Lc + Data).
// - Case 4: Data Present, Response Expected (Header + Lc + Data + Le).
//
// LENGTH MODES:
//   - Short Length: Lc/Le encoded on 1 byte (Max 255/256).
//   - Extended Length: Lc/Le encoded on multiple bytes (Max 65535/65536).
//     Extended mode is triggered if Lc > 255 or Le > 256, or kept when a parsed
//     command was received in extended form.
//
// RESPONSE APDU (R-APDU):
// A response sent by the card consists of an optional Body and a mandatory Trailer
// (SW1-SW2, e.g. 0x9000 for success).

// APDU Limits and Constants according to ISO 7816-3.
const (
	// HeaderLength is the size of CLA INS P1 P2.
	HeaderLength = 4

	// MaxShortLc is the maximum data length (Nc) encodable in Short Length mode (1 byte).
	MaxShortLc = 255

	// MaxShortLe is the maximum expected response length (Ne) encodable in Short Length mode.
	// In Short mode, 0x00 encodes 256.
	MaxShortLe = 256

	// MaxExtendedLc is the theoretical limit for Lc in Extended mode (16-bit unsigned).
	MaxExtendedLc = 65535

	// MaxExtendedLe is the maximum Ne encodable in Extended Length mode.
	// In Extended mode, 0x0000 encodes 65536.
	MaxExtendedLe = 65536

	// MaxAPDUBufferSize defines a safe buffer limit for Extended APDUs.
	// Calculation: Header(4) + ExtLc(3) + MaxData(65535) + ExtLe(2) + Safety Margin(1).
	MaxAPDUBufferSize = 4 + 3 + MaxExtendedLc + 2 + 1
)

// CommandAPDU represents a command sent to the card.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int  // Expected response length (0 means none)
	Extended    bool // Force extended length encoding
}

// NewCommandAPDU creates a basic command.
func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{
		Class:       cla,
		Instruction: ins,
		P1:          p1,
		P2:          p2,
		Data:        data,
		Ne:          ne,
	}
}

// ParseCommandAPDU decodes a raw C-APDU in any of the four cases, short or extended.
// The returned command owns a copy of the data field.
func ParseCommandAPDU(raw []byte) (*CommandAPDU, error) {
	if len(raw) < HeaderLength {
		return nil, fmt.Errorf("command too short: length %d", len(raw))
	}

	cla, err := NewClass(raw[0])
	if err != nil {
		return nil, err
	}
	ins, err := NewInstruction(InsCode(raw[1]))
	if err != nil {
		return nil, err
	}

	cmd := &CommandAPDU{Class: cla, Instruction: ins, P1: raw[2], P2: raw[3]}
	body := raw[HeaderLength:]
	l := len(body)

	switch {
	case l == 0:
		// Case 1
	case l == 1:
		// Case 2 Short
		cmd.Ne = decodeShortLe(body[0])
	case body[0] != 0x00:
		lc := int(body[0])
		switch l {
		case 1 + lc:
			// Case 3 Short
		case 2 + lc:
			// Case 4 Short
			cmd.Ne = decodeShortLe(body[l-1])
		default:
			return nil, fmt.Errorf("short Lc %d inconsistent with body length %d", lc, l)
		}
		cmd.Data = bytes.Clone(body[1 : 1+lc])
	case l == 3:
		// Case 2 Extended: 00 + Le (2 bytes)
		cmd.Extended = true
		cmd.Ne = decodeExtendedLe(body[1], body[2])
	case l > 3:
		lc := int(body[1])<<8 | int(body[2])
		if lc == 0 {
			return nil, fmt.Errorf("extended Lc cannot be zero")
		}
		switch l {
		case 3 + lc:
			// Case 3 Extended
		case 5 + lc:
			// Case 4 Extended
			cmd.Ne = decodeExtendedLe(body[l-2], body[l-1])
		default:
			return nil, fmt.Errorf("extended Lc %d inconsistent with body length %d", lc, l)
		}
		cmd.Extended = true
		cmd.Data = bytes.Clone(body[3 : 3+lc])
	default:
		return nil, fmt.Errorf("malformed command body of length %d", l)
	}

	return cmd, nil
}

func decodeShortLe(b byte) int {
	if b == 0x00 {
		return MaxShortLe
	}
	return int(b)
}

func decodeExtendedLe(hi, lo byte) int {
	ne := int(hi)<<8 | int(lo)
	if ne == 0 {
		return MaxExtendedLe
	}
	return ne
}

// Bytes encodes the CommandAPDU into its byte representation (C-APDU).
// It automatically handles the selection between Short and Extended encoding
// based on the length of Data (Nc) and the expected response length (Ne).
func (c *CommandAPDU) Bytes() ([]byte, error) {
	nc := len(c.Data)
	ne := c.Ne

	if nc > MaxExtendedLc {
		return nil, fmt.Errorf("data length %d exceeds %d", nc, MaxExtendedLc)
	}
	if ne < 0 || ne > MaxExtendedLe {
		return nil, fmt.Errorf("expected length %d out of range", ne)
	}

	class, err := c.Class.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode Class: %w", err)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(class)
	buf.WriteByte(byte(c.Instruction.Raw))
	buf.WriteByte(c.P1)
	buf.WriteByte(c.P2)

	isExtended := c.Extended || nc > MaxShortLc || ne > MaxShortLe

	if nc > 0 {
		if !isExtended {
			buf.WriteByte(byte(nc))
		} else {
			buf.WriteByte(0x00)
			buf.WriteByte(byte(nc >> 8))
			buf.WriteByte(byte(nc))
		}
		buf.Write(c.Data)
	}

	if ne > 0 {
		if !isExtended {
			// 0x00 represents 256
			buf.WriteByte(byte(ne % MaxShortLe))
		} else {
			// If Lc was absent (Case 2 Extended), a leading 00 distinguishes Le from Lc.
			if nc == 0 {
				buf.WriteByte(0x00)
			}
			// 0x0000 represents 65536
			buf.WriteByte(byte((ne % MaxExtendedLe) >> 8))
			buf.WriteByte(byte(ne))
		}
	}

	return buf.Bytes(), nil
}

// String returns a readable representation of the command meta-data.
func (c *CommandAPDU) String() string {
	return fmt.Sprintf("CLA: %02X | %s | P1: %02X, P2: %02X | Lc: %d | Le: %d",
		c.Class.Raw, c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU represents the reply from the card (R-APDU).
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU parses raw bytes received from the card into a ResponseAPDU.
// The input must contain at least 2 bytes (SW1, SW2).
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}

	indexSW1 := len(raw) - 2

	return &ResponseAPDU{
		Data:   raw[:indexSW1],
		Status: NewStatusWord(raw[indexSW1], raw[indexSW1+1]),
	}, nil
}

// Bytes returns the wire form of the response: data followed by SW1 SW2.
func (r *ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, r.Status.SW1(), r.Status.SW2())
}

// String returns a readable representation of the response.
func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("Data (%d bytes) | Status: %s", len(r.Data), r.Status.Verbose())
}
