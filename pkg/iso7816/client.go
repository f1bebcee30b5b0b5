package iso7816

import (
	"context"
	"fmt"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816-3 transport behaviors that are
// often exposed to the application layer in T=0 protocols:
//
// 1. "61 XX" (Response Available):
//    The card indicates that XX bytes are waiting. The client automatically generates
//    and sends a GET RESPONSE command, on the same logical channel, until the card
//    stops answering 61XX.
//
// 2. "6C XX" (Wrong Length):
//    The card indicates that the expected length (Le) was incorrect and suggests XX.
//    The client automatically re-sends the original command with Le = XX.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// that occurred to fulfill the logical request.

// MaxTraceLength bounds the number of transactions a single Send may chain.
const MaxTraceLength = 64

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

// TransmitterFunc adapts a function to the Transmitter interface.
type TransmitterFunc func(ctx context.Context, cmd []byte) ([]byte, error)

// Transmit calls f.
func (f TransmitterFunc) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	return f(ctx, cmd)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	// OnExchange, when set, observes every raw exchange on the wire.
	OnExchange func(cmd, resp []byte)
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	var trace Trace
	err := c.send(ctx, cmd, &trace)
	return trace, err
}

// Exchange sends cmd and returns the assembled logical response.
func (c *Client) Exchange(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, Trace, error) {
	trace, err := c.Send(ctx, cmd)
	if err != nil {
		return nil, trace, err
	}
	return trace.Response(), trace, nil
}

func (c *Client) send(ctx context.Context, cmd *CommandAPDU, trace *Trace) error {
	if len(*trace) >= MaxTraceLength {
		return fmt.Errorf("response chain exceeds %d transactions", MaxTraceLength)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rawCmd, err := cmd.Bytes()
	if err != nil {
		return fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transmit(ctx, rawCmd)
	if err != nil {
		return fmt.Errorf("transmission error: %w", err)
	}
	if c.OnExchange != nil {
		c.OnExchange(rawCmd, rawResp)
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return err
	}

	*trace = append(*trace, Transaction{Command: cmd, Response: resp})

	sw1 := resp.Status.SW1()
	sw2 := resp.Status.SW2()

	switch sw1 {
	case 0x61:
		// ISO 7816-4: GET RESPONSE must use the same logical channel as the original command.
		respCls := cmd.Class
		respCls.IsChained = false

		ne := int(sw2)
		if ne == 0 {
			ne = MaxShortLe
		}
		getResp := NewCommandAPDU(respCls, mustInstruction(INS_GET_RESPONSE), 0x00, 0x00, nil, ne)
		return c.send(ctx, getResp, trace)

	case 0x6C:
		// Clone command to update Le without mutating the original pointer
		retry := *cmd
		retry.Ne = int(sw2)
		if retry.Ne == 0 {
			retry.Ne = MaxShortLe
		}
		return c.send(ctx, &retry, trace)
	}

	return nil
}
