package se

import (
	"bytes"
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// ChannelKind distinguishes the basic channel (number 0) from logical channels.
type ChannelKind int

const (
	Basic ChannelKind = iota
	Logical
)

func (k ChannelKind) String() string {
	if k == Basic {
		return "basic"
	}
	return "logical"
}

// ChannelState is the lifecycle state of a channel.
type ChannelState string

const (
	StateOpen     ChannelState = "open"
	StateSelected ChannelState = "selected"
	StateClosed   ChannelState = "closed"
)

const (
	eventSelect = "select"
	eventClose  = "close"
)

// basicClass is the interindustry CLA of channel 0 without SM nor chaining.
var basicClass = iso7816.Class{}

type pendingResponse struct {
	command  []byte
	response []byte
}

type channel struct {
	session handle
	reader  handle
	kind    ChannelKind
	number  uint8
	aid     AID
	state   *fsm.FSM
	link    *link
	logger  *zap.Logger

	// Guarded by Service.mu.
	result     *iso7816.SelectResult
	selections int
	pending    *pendingResponse
}

func newChannel(sess handle, rd handle, kind ChannelKind, number uint8, aid AID, l *link, logger *zap.Logger) *channel {
	ch := &channel{
		session: sess,
		reader:  rd,
		kind:    kind,
		number:  number,
		aid:     aid,
		link:    l,
		logger:  logger.Named("channel").With(zap.Uint8("channel", number), zap.Stringer("aid", aid)),
	}
	ch.state = fsm.NewFSM(
		string(StateOpen),
		fsm.Events{
			{Name: eventSelect, Src: []string{string(StateOpen)}, Dst: string(StateSelected)},
			{Name: eventClose, Src: []string{string(StateOpen), string(StateSelected)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ch.logger.Debug("channel state changed", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
	return ch
}

// selected records a successful selection and moves the channel to SELECTED.
func (c *channel) selected(res *iso7816.SelectResult) {
	c.result = res
	c.selections++
	if c.state.Can(eventSelect) {
		_ = c.state.Event(context.Background(), eventSelect)
	}
}

func (c *channel) markClosed() {
	c.pending = nil
	if c.state.Can(eventClose) {
		_ = c.state.Event(context.Background(), eventClose)
	}
}

func (c *channel) toHandle(svc *Service, h handle) Channel {
	return Channel{svc: svc, h: h, kind: c.kind, number: c.number, aid: c.aid}
}

// Channel is a handle to a basic or logical channel of a session.
type Channel struct {
	svc    *Service
	h      handle
	kind   ChannelKind
	number uint8
	aid    AID
}

// ID is unique among the channels of the service.
func (c Channel) ID() uint64 {
	return c.h.id()
}

func (c Channel) Kind() ChannelKind {
	return c.kind
}

// Number is the logical channel number carried in the CLA byte, 0 for the basic channel.
func (c Channel) Number() uint8 {
	return c.number
}

// AID returns a copy of the identifier selected when the channel was opened.
func (c Channel) AID() []byte {
	return c.aid.Bytes()
}

// State reports StateClosed for channels whose handle no longer resolves.
func (c Channel) State() ChannelState {
	if c.svc == nil {
		return StateClosed
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	ch, err := c.svc.channelLocked("Channel.State", c.h)
	if err != nil {
		return StateClosed
	}
	return ChannelState(ch.state.Current())
}

func (c Channel) IsClosed() bool {
	return c.State() == StateClosed
}

// SelectResponse returns the data and status word of the latest successful selection.
func (c Channel) SelectResponse() ([]byte, error) {
	if c.svc == nil {
		return nil, newError(CodeBadParameters, "Channel.SelectResponse", "nil channel handle")
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	ch, err := c.svc.channelLocked("Channel.SelectResponse", c.h)
	if err != nil {
		return nil, err
	}
	return ch.result.Bytes(), nil
}

// SelectResult returns the exchanges of the latest successful selection.
func (c Channel) SelectResult() (*iso7816.SelectResult, error) {
	if c.svc == nil {
		return nil, newError(CodeBadParameters, "Channel.SelectResult", "nil channel handle")
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	ch, err := c.svc.channelLocked("Channel.SelectResult", c.h)
	if err != nil {
		return nil, err
	}
	return ch.result, nil
}

// Selections is the number of successful selections made on the channel,
// counting the one made at open.
func (c Channel) Selections() (int, error) {
	if c.svc == nil {
		return 0, newError(CodeBadParameters, "Channel.Selections", "nil channel handle")
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()

	ch, err := c.svc.channelLocked("Channel.Selections", c.h)
	if err != nil {
		return 0, err
	}
	return ch.selections, nil
}

// FCI parses the File Control Information of the latest select response.
func (c Channel) FCI() (*iso7816.FileControlInfo, error) {
	res, err := c.SelectResult()
	if err != nil {
		return nil, err
	}
	fci, err := res.FCI()
	if err != nil {
		return nil, wrapError(CodeCommunication, "Channel.FCI", "unusable select response", err)
	}
	return fci, nil
}

// Transmit sends a channel-agnostic command on the channel and returns the
// response data followed by SW1 SW2. The CLA byte is rewritten to address
// the channel. MANAGE CHANNEL and SELECT by DF name are reserved to the
// channel manager.
//
// When the response exceeds capacity a *ShortBufferError is returned and the
// response is kept: repeating the identical command with enough capacity
// returns it without another exchange.
func (c Channel) Transmit(ctx context.Context, command []byte, capacity int) ([]byte, error) {
	const op = "Channel.Transmit"

	if c.svc == nil {
		return nil, newError(CodeBadParameters, op, "nil channel handle")
	}
	if capacity < 0 {
		return nil, newError(CodeBadParameters, op, "negative capacity %d", capacity)
	}
	cmd, err := iso7816.ParseCommandAPDU(command)
	if err != nil {
		return nil, wrapError(CodeBadParameters, op, "malformed command", err)
	}
	if iso7816.IsManageChannel(cmd) || iso7816.IsSelectByDFName(cmd) {
		return nil, newError(CodeBadParameters, op, "%s is reserved to the channel manager", cmd.Instruction.Raw)
	}

	svc := c.svc
	svc.mu.Lock()
	ch, err := svc.channelLocked(op, c.h)
	if err != nil {
		svc.mu.Unlock()
		return nil, err
	}
	if p := ch.pending; p != nil && bytes.Equal(p.command, command) {
		if len(p.response) > capacity {
			svc.mu.Unlock()
			return nil, &ShortBufferError{Actual: len(p.response), Capacity: capacity}
		}
		ch.pending = nil
		svc.mu.Unlock()
		return p.response, nil
	}
	ch.pending = nil
	l, logger := ch.link, ch.logger
	svc.mu.Unlock()

	cla, err := cmd.Class.WithChannel(c.number)
	if err != nil {
		return nil, wrapError(CodeBadParameters, op, "class cannot address channel", err)
	}
	cmd.Class = cla

	var resp []byte
	err = l.do(ctx, op, func(ctx context.Context, client *iso7816.Client) error {
		if err := c.checkLive(op); err != nil {
			return err
		}
		r, _, err := exchange(ctx, client, op, cmd)
		if err != nil {
			return err
		}
		resp = r.Bytes()
		return nil
	})
	if err != nil {
		logger.Debug("transmit failed", zap.Error(err))
		return nil, err
	}

	if len(resp) > capacity {
		svc.mu.Lock()
		if ch, ok := svc.channels.get(c.h); ok {
			ch.pending = &pendingResponse{command: bytes.Clone(command), response: resp}
		}
		svc.mu.Unlock()
		return nil, &ShortBufferError{Actual: len(resp), Capacity: capacity}
	}
	return resp, nil
}

// SelectNext selects the next application matching the channel's AID. When
// none is left it fails with NoMoreApplications and the channel keeps its
// current selection.
func (c Channel) SelectNext(ctx context.Context) error {
	const op = "Channel.SelectNext"

	if c.svc == nil {
		return newError(CodeBadParameters, op, "nil channel handle")
	}
	svc := c.svc
	svc.mu.Lock()
	ch, err := svc.channelLocked(op, c.h)
	if err != nil {
		svc.mu.Unlock()
		return err
	}
	if !ch.state.Is(string(StateSelected)) {
		svc.mu.Unlock()
		return newError(CodeInvalidState, op, "channel is %s", ch.state.Current())
	}
	ch.pending = nil
	l := ch.link
	svc.mu.Unlock()

	var res *iso7816.SelectResult
	err = l.do(ctx, op, func(ctx context.Context, client *iso7816.Client) error {
		if err := c.checkLive(op); err != nil {
			return err
		}
		var err error
		res, err = selectApplication(ctx, client, op, c.number, c.aid, iso7816.NextOccurrence)
		return err
	})
	if err != nil {
		if CodeOf(err) == CodeItemNotFound {
			return statusError(CodeNoMoreApplications, op, "no further matching application", iso7816.SW_ERR_FILE_NOT_FOUND)
		}
		return err
	}

	svc.mu.Lock()
	if ch, ok := svc.channels.get(c.h); ok {
		ch.selected(res)
		ch.logger.Debug("next application selected", zap.Int("selections", ch.selections))
	}
	svc.mu.Unlock()
	return nil
}

// Close closes a logical channel on the secure element. The basic channel
// cannot be closed on its own; it closes with its session. Closing a closed
// channel is a no-op.
func (c Channel) Close(ctx context.Context) error {
	const op = "Channel.Close"

	if c.svc == nil {
		return newError(CodeBadParameters, op, "nil channel handle")
	}
	svc := c.svc
	svc.mu.Lock()
	ch, err := svc.channelLocked(op, c.h)
	if err != nil {
		svc.mu.Unlock()
		if CodeOf(err) == CodeInvalidState {
			return nil
		}
		return err
	}
	if ch.kind == Basic {
		svc.mu.Unlock()
		return newError(CodeInvalidState, op, "the basic channel closes with its session")
	}

	ch.markClosed()
	svc.channels.remove(c.h)
	if sess, ok := svc.sessions.get(ch.session); ok {
		sess.removeChannel(c.h)
	}
	if r, ok := svc.readers.get(ch.reader); ok {
		r.logical--
	}
	l, logger := ch.link, ch.logger
	svc.mu.Unlock()

	return l.do(ctx, op, func(ctx context.Context, client *iso7816.Client) error {
		return closeLogicalChannel(ctx, client, c.number, logger)
	})
}

func (c Channel) checkLive(op string) error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	_, err := c.svc.channelLocked(op, c.h)
	return err
}

func (s Session) openChannel(ctx context.Context, op string, kind ChannelKind, rawAID []byte) (Channel, error) {
	if s.svc == nil {
		return Channel{}, newError(CodeBadParameters, op, "nil session handle")
	}
	aid, err := NewAID(rawAID)
	if err != nil {
		return Channel{}, wrapError(CodeBadParameters, op, "invalid AID", err)
	}

	svc := s.svc
	svc.mu.Lock()
	sess, r, err := svc.sessionLocked(op, s.h)
	if err != nil {
		svc.mu.Unlock()
		return Channel{}, err
	}
	if r.link == nil {
		svc.mu.Unlock()
		return Channel{}, newError(CodeInvalidState, op, "reader link closed")
	}

	switch kind {
	case Basic:
		if !sess.basic.isZero() || !r.basicOwner.isZero() {
			svc.mu.Unlock()
			return Channel{}, newError(CodeChannelNotAvailable, op, "basic channel already in use")
		}
		r.basicOwner = s.h
	case Logical:
		if r.logical >= svc.cfg.MaxLogicalChannels {
			svc.mu.Unlock()
			return Channel{}, newError(CodeNoChannelAvailable, op, "logical channel limit %d reached", svc.cfg.MaxLogicalChannels)
		}
		r.logical++
	}
	l, logger := r.link, sess.logger
	svc.mu.Unlock()

	var ch Channel
	err = l.do(ctx, op, func(ctx context.Context, client *iso7816.Client) error {
		var (
			number uint8
			err    error
		)
		if kind == Logical {
			if number, err = openLogicalChannel(ctx, client, op); err != nil {
				return err
			}
		}
		res, err := selectApplication(ctx, client, op, number, aid, iso7816.FirstOrOnlyOccurrence)
		if err == nil {
			// Registered while the wire is held: a concurrent close either
			// sees the channel and tears it down, or fails the adoption.
			ch, err = s.adopt(op, kind, number, aid, res, l)
		}
		if err != nil && kind == Logical {
			l.release(client, number, logger)
		}
		return err
	})
	if err != nil {
		svc.mu.Lock()
		switch {
		case kind == Basic && r.basicOwner == s.h:
			r.basicOwner = handle{}
		case kind == Logical:
			r.logical--
		}
		svc.mu.Unlock()

		logger.Debug("channel open failed", zap.Stringer("kind", kind), zap.Error(err))
		return Channel{}, err
	}
	return ch, nil
}

// adopt registers a channel opened on the wire with its session. It fails
// when the session closed during the exchange.
func (s Session) adopt(op string, kind ChannelKind, number uint8, aid AID, res *iso7816.SelectResult, l *link) (Channel, error) {
	svc := s.svc
	svc.mu.Lock()
	defer svc.mu.Unlock()

	sess, _, err := svc.sessionLocked(op, s.h)
	if err != nil {
		return Channel{}, err
	}
	ch := newChannel(s.h, sess.reader, kind, number, aid, l, sess.logger)
	ch.selected(res)
	chh := svc.channels.insert(ch)
	sess.channels = append(sess.channels, chh)
	if kind == Basic {
		sess.basic = chh
	}

	ch.logger.Info("channel opened", zap.Stringer("kind", kind))
	return ch.toHandle(svc, chh), nil
}

// openLogicalChannel sends MANAGE CHANNEL open on the basic channel and
// returns the number the SE assigned.
func openLogicalChannel(ctx context.Context, client *iso7816.Client, op string) (uint8, error) {
	resp, _, err := exchange(ctx, client, op, iso7816.OpenChannelCommand(basicClass))
	if err != nil {
		return 0, err
	}
	switch resp.Status {
	case iso7816.SW_ERR_FUNC_NOT_SUPPORTED, iso7816.SW_ERR_LOGICAL_CHANNEL_NOT_SUPP, iso7816.SW_ERR_NOT_ENOUGH_MEMORY:
		return 0, statusError(CodeNoChannelAvailable, op, "secure element has no free channel", resp.Status)
	}
	if !resp.Status.IsSuccess() {
		return 0, statusError(CodeCommunication, op, "manage channel refused", resp.Status)
	}
	n, err := iso7816.ParseOpenChannelResponse(resp)
	if err != nil {
		return 0, wrapError(CodeCommunication, op, "malformed manage channel response", err)
	}
	return n, nil
}

// closeLogicalChannel sends MANAGE CHANNEL close for channel n. Failures are
// logged and returned; the channel is already closed on this side.
func closeLogicalChannel(ctx context.Context, client *iso7816.Client, n uint8, logger *zap.Logger) error {
	const op = "closeLogicalChannel"

	resp, _, err := exchange(ctx, client, op, iso7816.CloseChannelCommand(basicClass, n))
	if err != nil {
		logger.Warn("manage channel close failed", zap.Uint8("channel", n), zap.Error(err))
		return err
	}
	if !resp.Status.IsSuccess() {
		logger.Warn("manage channel close refused", zap.Uint8("channel", n), zap.Stringer("sw", resp.Status))
		return statusError(CodeCommunication, op, "manage channel close refused", resp.Status)
	}
	return nil
}

// selectApplication selects aid by DF name on channel number. A 6A82 answer
// is reported as ItemNotFound, any other refusal as Communication.
func selectApplication(ctx context.Context, client *iso7816.Client, op string, number uint8, aid AID, occ iso7816.FileOccurrence) (*iso7816.SelectResult, error) {
	cla, err := basicClass.WithChannel(number)
	if err != nil {
		return nil, wrapError(CodeBadParameters, op, "class cannot address channel", err)
	}

	cmd := iso7816.NewSelectCommand(cla, iso7816.SelectByDFName, occ, iso7816.ReturnFCI, aid.Bytes())
	trace, err := client.Send(ctx, cmd)
	if err != nil {
		return nil, wrapError(CodeCommunication, op, "select failed", err)
	}
	res, err := iso7816.NewSelectResult(trace)
	if err != nil {
		return nil, wrapError(CodeCommunication, op, "select failed", err)
	}

	if !res.IsAccepted() {
		sw := res.Status()
		if sw == iso7816.SW_ERR_FILE_NOT_FOUND {
			return nil, statusError(CodeItemNotFound, op, "no application matches "+aid.String(), sw)
		}
		return nil, statusError(CodeCommunication, op, "select refused", sw)
	}
	return res, nil
}
