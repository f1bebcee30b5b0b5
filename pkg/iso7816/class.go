package iso7816

import (
	"fmt"

	"github.com/gregLibert/secure-element/pkg/bits"
)

// Class Byte (CLA) Structure according to ISO/IEC 7816-4.
//
// The CLA byte conveys the command class, covering secure messaging (SM), command chaining,
// and logical channel selection.
//
// Structure:
// Bit 8: Proprietary (1) or Interindustry (0).
// Bit 7: Type of Interindustry (0=First, 1=Further).
// Bit 5: Command Chaining (0=Last/Only, 1=More follow).
//
// 1. First Interindustry Class (00xx xxxx):
//    - Bits 4-3: Secure Messaging (2 bits, 4 states).
//    - Bits 2-1: Logical Channel number (0-3).
//
// 2. Further Interindustry Class (01xx xxxx):
//    - Bit 6: Secure Messaging (1 bit: No SM or SM active).
//    - Bits 4-1: Logical Channel number minus 4 (encoding 0-15 for channels 4-19).
//
// Proprietary classes used by GlobalPlatform cards (80-83, 84-87, C0-CF, E0-EF) reuse the
// same layout with bit 8 set, so the logical channel is carried the same way. Proprietary
// classes with bit 7 clear and bit 6 set (A0-BF) are opaque and can only address channel 0.

// MaxChannel is the highest logical channel number an interindustry CLA can address.
const MaxChannel = 19

// SecureMessaging defines the security level applied to the APDU.
type SecureMessaging int

const (
	// SMNone indicates no secure messaging or no indication given.
	SMNone SecureMessaging = 0
	// SMProprietary indicates a proprietary secure messaging format (First Interindustry only).
	SMProprietary SecureMessaging = 1
	// SMHeaderNoProc indicates SM according to ISO, where the header is not processed.
	SMHeaderNoProc SecureMessaging = 2
	// SMHeaderAuth indicates SM according to ISO, where the header is authenticated (First Interindustry only).
	SMHeaderAuth SecureMessaging = 3
)

// Class represents the parsed ISO 7816-4 Class byte (CLA).
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8 // Logical channel number (0-19)
}

// NewClass creates a Class object by decoding a raw CLA byte.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA value: 0xFF is reserved")
	}

	c := Class{
		Raw:           cla,
		IsProprietary: bits.IsSet(cla, 8),
		IsChained:     bits.IsSet(cla, 5),
	}

	if c.isOpaque() {
		return c, nil
	}

	if !bits.IsSet(cla, 7) {
		// First Interindustry Structure (x00x xxxx)
		c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
		c.Channel = bits.GetRange(cla, 2, 1)
	} else {
		// Further Interindustry Structure (x1xx xxxx)
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		c.Channel = bits.GetRange(cla, 4, 1) + 4
	}

	return c, nil
}

// NewInterindustryClass creates a Class object from parameters.
// It automatically selects First or Further interindustry encoding based on the channel number.
func NewInterindustryClass(isChained bool, sm SecureMessaging, channel uint8) (Class, error) {
	c := Class{
		IsChained:       isChained,
		SecureMessaging: sm,
		Channel:         channel,
	}

	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	c.Raw = raw

	return c, nil
}

// WithChannel returns a copy of the class addressing the given logical channel.
// Chaining and secure messaging indications are carried over; it fails when the
// target range cannot express them.
func (c Class) WithChannel(channel uint8) (Class, error) {
	if c.isOpaque() {
		if channel != 0 {
			return Class{}, fmt.Errorf("class 0x%02X cannot address logical channel %d", c.Raw, channel)
		}
		return c, nil
	}

	out := c
	out.Channel = channel
	raw, err := out.Encode()
	if err != nil {
		return Class{}, err
	}
	out.Raw = raw
	return out, nil
}

// Encode converts the Class object back to its byte representation.
func (c *Class) Encode() (byte, error) {
	if c.isOpaque() {
		return c.Raw, nil
	}

	if c.Channel > MaxChannel {
		return 0, fmt.Errorf("channel %d out of range (max %d)", c.Channel, MaxChannel)
	}

	var res byte

	if c.Channel <= 3 {
		if c.IsChained {
			res = bits.Set(res, 5)
		}
		res = bits.SetRange(res, 4, 3, byte(c.SecureMessaging))
		res = bits.SetRange(res, 2, 1, c.Channel)
	} else {
		// Further Interindustry (Ch 4-19) only supports 1 bit for SM (No SM vs ISO SM)
		if c.SecureMessaging == SMProprietary || c.SecureMessaging == SMHeaderAuth {
			return 0, fmt.Errorf("SM indicator %d not supported for further interindustry range (ch 4-19)", c.SecureMessaging)
		}

		res = bits.Set(res, 7)
		if c.SecureMessaging != SMNone {
			res = bits.Set(res, 6)
		}
		if c.IsChained {
			res = bits.Set(res, 5)
		}
		res = bits.SetRange(res, 4, 1, c.Channel-4)
	}

	if c.IsProprietary {
		res = bits.Set(res, 8)
	}

	return res, nil
}

// isOpaque reports proprietary classes whose low bits are not the channel layout.
func (c Class) isOpaque() bool {
	return c.IsProprietary && !bits.IsSet(c.Raw, 7) && bits.IsSet(c.Raw, 6)
}

// Verbose returns a human-readable description of the CLA byte configuration.
func (c Class) Verbose() string {
	if c.isOpaque() {
		return fmt.Sprintf("Class: Proprietary (0x%02X)", c.Raw)
	}

	rangeName := "First Interindustry (Ch 0-3)"
	if c.Channel >= 4 {
		rangeName = "Further Interindustry (Ch 4-19)"
	}
	if c.IsProprietary {
		rangeName = "Proprietary, " + rangeName
	}

	smDesc := "Unknown"
	switch c.SecureMessaging {
	case SMNone:
		smDesc = "None"
	case SMProprietary:
		smDesc = "Proprietary"
	case SMHeaderNoProc:
		smDesc = "ISO (Header not processed)"
	case SMHeaderAuth:
		smDesc = "ISO (Header authenticated)"
	}

	chaining := "Last or only command"
	if c.IsChained {
		chaining = "More commands follow (Chaining)"
	}

	return fmt.Sprintf(
		"Range: %s\nChaining: %s\nSecure Messaging: %s\nLogical Channel: %d",
		rangeName, chaining, smDesc, c.Channel,
	)
}
