package simulator

import (
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/se"
)

// DefaultATR is the answer-to-reset of the default card.
var DefaultATR = []byte{0x3B, 0x8A, 0x80, 0x01, 0x80, 0x31, 0xF8, 0x73, 0xF7, 0x41, 0xE0, 0x82, 0x90, 0x00, 0x75}

// DefaultAIDPrefix is the AID pattern both default applications match.
var DefaultAIDPrefix = []byte{0xD0, 0x00, 0x0C, 0xAF, 0xE0, 0x00}

// DefaultApplications returns two applets sharing DefaultAIDPrefix, so a
// selection by prefix followed by SELECT next visits both.
func DefaultApplications() []Application {
	return []Application{
		{AID: append(append([]byte{}, DefaultAIDPrefix...), 0x01), Label: "TEST APPLET 1", Handler: testApplet},
		{AID: append(append([]byte{}, DefaultAIDPrefix...), 0x02), Label: "TEST APPLET 2", Handler: testApplet},
	}
}

// testApplet answers INS 01 with an empty 9000 and echoes everything else.
func testApplet(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	if cmd.Instruction.Raw == 0x01 {
		return nil, iso7816.SW_NO_ERROR
	}
	return Echo(cmd)
}

// DefaultDriver builds a platform with one embedded SE reader holding the
// default card and one empty SD card slot.
func DefaultDriver(opts ...CardOption) *Driver {
	card := NewCard(DefaultATR, DefaultApplications(), opts...)
	return NewDriver(
		NewReader("Simulated eSE", card, se.Capabilities{SelectResponseEnable: true}),
		NewReader("Simulated SD slot", nil, se.Capabilities{}),
	)
}
