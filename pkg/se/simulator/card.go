package simulator

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/moov-io/bertlv"
	"go.uber.org/atomic"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// Handler answers a command addressed to a selected application. The
// command's CLA still carries the channel it arrived on.
type Handler func(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord)

// Application is an applet installed on a simulated card.
type Application struct {
	AID     []byte
	Label   string
	Handler Handler
}

// Echo returns the command data with 9000.
func Echo(cmd *iso7816.CommandAPDU) ([]byte, iso7816.StatusWord) {
	return cmd.Data, iso7816.SW_NO_ERROR
}

type channelState struct {
	open     bool
	selected int // index in Card.apps, -1 when nothing is selected
	pending  []byte
}

// Card is a simulated secure element. It understands MANAGE CHANNEL, SELECT by
// DF name with first and next occurrence, and GET RESPONSE; every other
// command is routed to the application selected on the addressed channel.
type Card struct {
	mu       sync.Mutex
	atr      []byte
	apps     []Application
	channels [iso7816.MaxChannel + 1]channelState
	logical  int
	t0       bool
	latency  time.Duration

	inFlight *atomic.Int32
	overlaps *atomic.Int32
	commands [][]byte
}

type CardOption func(*Card)

// WithLogicalChannels sets how many logical channels the card supports (default 19).
func WithLogicalChannels(n int) CardOption {
	return func(c *Card) {
		c.logical = n
	}
}

// WithT0 makes the card answer 61XX to commands returning data, as T=0 cards do.
func WithT0() CardOption {
	return func(c *Card) {
		c.t0 = true
	}
}

// WithLatency delays every response.
func WithLatency(d time.Duration) CardOption {
	return func(c *Card) {
		c.latency = d
	}
}

func NewCard(atr []byte, apps []Application, opts ...CardOption) *Card {
	c := &Card{
		atr:      bytes.Clone(atr),
		apps:     apps,
		logical:  iso7816.MaxChannel,
		inFlight: atomic.NewInt32(0),
		overlaps: atomic.NewInt32(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.channels {
		c.channels[i].selected = -1
	}
	c.channels[0].open = true
	return c
}

// Overlaps counts exchanges that started while another one was in progress.
func (c *Card) Overlaps() int {
	return int(c.overlaps.Load())
}

// InFlight reports whether an exchange is being processed.
func (c *Card) InFlight() bool {
	return c.inFlight.Load() > 0
}

// Commands returns a copy of every raw command received so far.
func (c *Card) Commands() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.commands))
	for i, cmd := range c.commands {
		out[i] = bytes.Clone(cmd)
	}
	return out
}

// OpenChannels returns the logical channel numbers currently open.
func (c *Card) OpenChannels() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint8
	for n := 1; n < len(c.channels); n++ {
		if c.channels[n].open {
			out = append(out, uint8(n))
		}
	}
	return out
}

func (c *Card) transmit(ctx context.Context, raw []byte) ([]byte, error) {
	if c.inFlight.Inc() > 1 {
		c.overlaps.Inc()
	}
	defer c.inFlight.Dec()

	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, bytes.Clone(raw))
	return c.process(raw), nil
}

func (c *Card) process(raw []byte) []byte {
	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		return sw(iso7816.SW_ERR_WRONG_LENGTH)
	}

	n := cmd.Class.Channel
	if int(n) >= len(c.channels) || !c.channels[n].open {
		return sw(iso7816.SW_ERR_LOGICAL_CHANNEL_NOT_SUPP)
	}
	ch := &c.channels[n]

	if cmd.Instruction.Raw == iso7816.INS_GET_RESPONSE {
		return c.getResponse(ch, cmd.Ne)
	}
	ch.pending = nil

	switch {
	case iso7816.IsManageChannel(cmd):
		return c.manageChannel(cmd)
	case iso7816.IsSelectByDFName(cmd):
		return c.respond(ch, c.selectApplication(ch, cmd))
	}

	if ch.selected < 0 {
		return sw(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	handler := c.apps[ch.selected].Handler
	if handler == nil {
		handler = Echo
	}
	data, status := handler(cmd)
	if !status.IsSuccess() {
		return sw(status)
	}
	return c.respond(ch, append(bytes.Clone(data), status.SW1(), status.SW2()))
}

func (c *Card) manageChannel(cmd *iso7816.CommandAPDU) []byte {
	switch cmd.P1 {
	case 0x00:
		for n := 1; n <= c.logical && n < len(c.channels); n++ {
			if !c.channels[n].open {
				c.channels[n] = channelState{open: true, selected: -1}
				return []byte{byte(n), 0x90, 0x00}
			}
		}
		return sw(iso7816.SW_ERR_FUNC_NOT_SUPPORTED)
	case 0x80:
		n := int(cmd.P2)
		if n == 0 || n >= len(c.channels) || !c.channels[n].open {
			return sw(iso7816.SW_ERR_LOGICAL_CHANNEL_NOT_SUPP)
		}
		c.channels[n] = channelState{selected: -1}
		return sw(iso7816.SW_NO_ERROR)
	}
	return sw(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
}

// selectApplication matches the command data as an AID prefix. Next
// occurrence searches after the application selected on the channel.
func (c *Card) selectApplication(ch *channelState, cmd *iso7816.CommandAPDU) []byte {
	start := 0
	switch iso7816.FileOccurrence(cmd.P2 & 0x03) {
	case iso7816.FirstOrOnlyOccurrence:
	case iso7816.NextOccurrence:
		start = ch.selected + 1
	default:
		return sw(iso7816.SW_ERR_FUNC_NOT_SUPPORTED)
	}

	for i := start; i < len(c.apps); i++ {
		if bytes.HasPrefix(c.apps[i].AID, cmd.Data) {
			ch.selected = i
			fci, err := fciFor(c.apps[i])
			if err != nil {
				return sw(iso7816.SW_ERR_UNKNOWN)
			}
			return append(fci, 0x90, 0x00)
		}
	}
	return sw(iso7816.SW_ERR_FILE_NOT_FOUND)
}

// respond applies the T=0 behavior: data is announced with 61XX and fetched
// with GET RESPONSE.
func (c *Card) respond(ch *channelState, resp []byte) []byte {
	if !c.t0 || len(resp) <= 2 || resp[len(resp)-2] != 0x90 {
		return resp
	}
	ch.pending = resp[:len(resp)-2]
	return announce(len(ch.pending))
}

func (c *Card) getResponse(ch *channelState, ne int) []byte {
	if ch.pending == nil {
		return sw(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}
	if ne <= 0 || ne > len(ch.pending) {
		ne = len(ch.pending)
	}
	chunk := bytes.Clone(ch.pending[:ne])
	ch.pending = ch.pending[ne:]
	if len(ch.pending) == 0 {
		ch.pending = nil
		return append(chunk, 0x90, 0x00)
	}
	return append(chunk, announce(len(ch.pending))...)
}

func announce(n int) []byte {
	if n >= iso7816.MaxShortLe {
		return []byte{0x61, 0x00}
	}
	return []byte{0x61, byte(n)}
}

func fciFor(app Application) ([]byte, error) {
	return bertlv.Encode([]bertlv.TLV{
		{Tag: "6F", TLVs: []bertlv.TLV{
			{Tag: "84", Value: app.AID},
			{Tag: "50", Value: []byte(app.Label)},
		}},
	})
}

func sw(s iso7816.StatusWord) []byte {
	return []byte{s.SW1(), s.SW2()}
}
