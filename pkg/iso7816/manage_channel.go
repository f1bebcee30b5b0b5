package iso7816

import "fmt"

// MANAGE CHANNEL COMMAND LOGIC (ISO 7816-4 §11.1.2):
// The MANAGE CHANNEL command (INS '70') opens and closes logical channels.
//
// P1:
// - '00': Open. With P2 = '00' the card assigns the channel number and
//         returns it as a single data byte.
// - '80': Close the channel given in P2.
//
// The command itself is always sent on the basic channel or on an already
// open channel; the CLA carries that channel, not the target one.

const (
	manageChannelOpen  byte = 0x00
	manageChannelClose byte = 0x80
)

// OpenChannelCommand creates a MANAGE CHANNEL command asking the card to
// allocate the next free logical channel.
func OpenChannelCommand(cla Class) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_MANAGE_CHANNEL), manageChannelOpen, 0x00, nil, 1)
}

// CloseChannelCommand creates a MANAGE CHANNEL command closing channel n.
func CloseChannelCommand(cla Class, n uint8) *CommandAPDU {
	return NewCommandAPDU(cla, mustInstruction(INS_MANAGE_CHANNEL), manageChannelClose, n, nil, 0)
}

// IsManageChannel reports whether cmd is a MANAGE CHANNEL command.
func IsManageChannel(cmd *CommandAPDU) bool {
	return cmd.Instruction.Raw == INS_MANAGE_CHANNEL
}

// ParseOpenChannelResponse extracts the channel number allocated by the card.
func ParseOpenChannelResponse(resp *ResponseAPDU) (uint8, error) {
	if resp == nil {
		return 0, fmt.Errorf("missing response")
	}
	if !resp.Status.IsSuccess() {
		return 0, fmt.Errorf("manage channel failed: %s", resp.Status.Verbose())
	}
	if len(resp.Data) != 1 {
		return 0, fmt.Errorf("manage channel: expected 1 data byte, got %d", len(resp.Data))
	}
	n := resp.Data[0]
	if n == 0 || n > MaxChannel {
		return 0, fmt.Errorf("manage channel: card returned invalid channel %d", n)
	}
	return n, nil
}
