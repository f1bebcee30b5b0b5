// Package bits holds the bit helpers used to decode and build ISO 7816 header bytes.
// Bits are numbered 1 (least significant) to 8, as in the ISO tables.
package bits

// Bit returns a byte with only the n-th bit set (1 to 8).
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet checks if the n-th bit is set (1 to 8).
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11)
func GetRange(b byte, high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}
	return (b >> (low - 1)) & mask(high, low)
}

// SetRange writes v into bits high..low of b, leaving the other bits untouched.
// Bits of v that do not fit in the range are dropped.
func SetRange(b byte, high, low uint, v byte) byte {
	if high < low || high > 8 || low < 1 {
		return b
	}
	m := mask(high, low)
	return (b &^ (m << (low - 1))) | ((v & m) << (low - 1))
}

// Set sets bit n.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear clears bit n.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

func mask(high, low uint) byte {
	width := high - low + 1
	return byte((1 << width) - 1)
}
