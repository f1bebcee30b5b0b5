package se

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// Service is the root handle. It owns a snapshot of the platform readers and,
// through them, every session and channel opened since Open.
//
// Lock order: a reader's link mutex may be held while taking mu, never the
// reverse. mu is never held across wire exchanges.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	driver  Driver
	closed  bool
	order   []handle
	readers arena[*reader]

	sessions arena[*session]
	channels arena[*channel]
}

// Open validates the configuration and snapshots the driver's readers.
func Open(ctx context.Context, driver Driver, opts ...Option) (*Service, error) {
	const op = "se.Open"

	if driver == nil {
		return nil, newError(CodeBadParameters, op, "nil driver")
	}

	s := &Service{
		cfg:    DefaultConfig(),
		logger: zap.L().Named("se"),
		driver: driver,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	slots, err := driver.Slots(ctx)
	if err != nil {
		return nil, driverError(op, "listing readers failed", err)
	}

	if len(slots) > s.cfg.MaxReaders {
		s.logger.Warn("ignoring readers above limit",
			zap.Int("found", len(slots)), zap.Int("limit", s.cfg.MaxReaders))
		slots = slots[:s.cfg.MaxReaders]
	}

	for _, slot := range slots {
		r := newReader(slot, s.cfg.MaxReaderNameLength, s.logger)
		s.order = append(s.order, s.readers.insert(r))
		r.logger.Debug("reader registered", zap.Bool("teeOnly", r.caps.TEEOnly))
	}

	s.logger.Info("service opened", zap.Int("readers", len(s.order)))
	return s, nil
}

// Readers returns the reader snapshot taken at Open, in driver order.
func (s *Service) Readers() ([]Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, newError(CodeInvalidState, "Service.Readers", "service closed")
	}

	readers := make([]Reader, 0, len(s.order))
	for _, h := range s.order {
		readers = append(readers, Reader{svc: s, h: h})
	}
	return readers, nil
}

// Close closes every session of every reader. Closing twice is a no-op.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var teardowns []teardown
	for _, h := range s.order {
		r, ok := s.readers.get(h)
		if !ok {
			continue
		}
		teardowns = append(teardowns, s.closeReaderLocked(r))
	}
	s.mu.Unlock()

	for _, t := range teardowns {
		t.run(ctx)
	}
	s.logger.Info("service closed")
}

func (s *Service) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reader rebuilds a reader handle from its ID.
func (s *Service) Reader(id uint64) (Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := handleFromID(id)
	if _, err := s.readerLocked("Service.Reader", h); err != nil {
		return Reader{}, err
	}
	return Reader{svc: s, h: h}, nil
}

// Session rebuilds a session handle from its ID.
func (s *Service) Session(id uint64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := handleFromID(id)
	sess, _, err := s.sessionLocked("Service.Session", h)
	if err != nil {
		return Session{}, err
	}
	return Session{svc: s, h: h, closed: sess.closed}, nil
}

// Channel rebuilds a channel handle from its ID.
func (s *Service) Channel(id uint64) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := handleFromID(id)
	ch, err := s.channelLocked("Service.Channel", h)
	if err != nil {
		return Channel{}, err
	}
	return ch.toHandle(s, h), nil
}

func (s *Service) readerLocked(op string, h handle) (*reader, error) {
	if s.closed {
		return nil, newError(CodeInvalidState, op, "service closed")
	}
	r, ok := s.readers.get(h)
	if !ok {
		return nil, newError(CodeBadParameters, op, "unknown reader handle")
	}
	return r, nil
}

func (s *Service) sessionLocked(op string, h handle) (*session, *reader, error) {
	if s.closed {
		return nil, nil, newError(CodeInvalidState, op, "service closed")
	}
	sess, res := s.sessions.lookup(h)
	switch res {
	case stale:
		return nil, nil, newError(CodeInvalidState, op, "session closed")
	case unknown:
		return nil, nil, newError(CodeBadParameters, op, "unknown session handle")
	}
	r, ok := s.readers.get(sess.reader)
	if !ok {
		return nil, nil, newError(CodeInvalidState, op, "reader gone")
	}
	return sess, r, nil
}

func (s *Service) channelLocked(op string, h handle) (*channel, error) {
	if s.closed {
		return nil, newError(CodeInvalidState, op, "service closed")
	}
	ch, res := s.channels.lookup(h)
	switch res {
	case stale:
		return nil, newError(CodeInvalidState, op, "channel closed")
	case unknown:
		return nil, newError(CodeBadParameters, op, "unknown channel handle")
	}
	return ch, nil
}

// teardown is the wire work left once sessions and channels have been
// closed in the arenas: MANAGE CHANNEL close for each logical channel, then
// disconnecting the link if no session uses it anymore.
type teardown struct {
	link       *link
	logical    []uint8
	disconnect bool
	logger     *zap.Logger
}

func (t teardown) run(ctx context.Context) {
	if t.link == nil {
		return
	}
	if len(t.logical) > 0 {
		err := t.link.do(ctx, "teardown", func(ctx context.Context, client *iso7816.Client) error {
			for _, n := range t.logical {
				closeLogicalChannel(ctx, client, n, t.logger)
			}
			return nil
		})
		if err != nil {
			t.logger.Debug("channel teardown skipped", zap.Error(err))
		}
	}
	if t.disconnect {
		if err := t.link.close(); err != nil {
			t.logger.Warn("disconnect failed", zap.Error(err))
		}
	}
}

// closeReaderLocked closes every session of r and detaches its link.
func (s *Service) closeReaderLocked(r *reader) teardown {
	t := teardown{link: r.link, disconnect: true, logger: r.logger}
	for _, sh := range r.sessionHandles() {
		sess, ok := s.sessions.get(sh)
		if !ok {
			continue
		}
		t.logical = append(t.logical, s.closeSessionLocked(sh, sess, r)...)
	}
	r.link = nil
	return t
}

// closeSessionLocked marks sess and its channels closed, frees their arena
// slots and returns the logical channel numbers to close on the wire.
func (s *Service) closeSessionLocked(sh handle, sess *session, r *reader) []uint8 {
	var logical []uint8
	for _, chh := range sess.channelHandles() {
		ch, ok := s.channels.get(chh)
		if !ok {
			continue
		}
		if ch.kind == Logical {
			logical = append(logical, ch.number)
			r.logical--
		}
		ch.markClosed()
		s.channels.remove(chh)
	}
	sess.channels = nil
	if r.basicOwner == sh {
		r.basicOwner = handle{}
	}

	sess.closed.Store(true)
	s.sessions.remove(sh)
	r.removeSession(sh)
	sess.logger.Info("session closed")
	return logical
}
