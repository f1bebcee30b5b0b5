package se

import (
	"bytes"
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type session struct {
	reader handle
	atr    []byte
	closed *atomic.Bool
	logger *zap.Logger

	// Guarded by Service.mu.
	basic    handle
	channels []handle
}

func (s *session) channelHandles() []handle {
	return append([]handle(nil), s.channels...)
}

func (s *session) removeChannel(h handle) {
	for i, ch := range s.channels {
		if ch == h {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			break
		}
	}
	if s.basic == h {
		s.basic = handle{}
	}
}

// Session is a handle to a logical connection with a reader's secure element.
type Session struct {
	svc    *Service
	h      handle
	closed *atomic.Bool
}

// ID is unique among the sessions of the service.
func (s Session) ID() uint64 {
	return s.h.id()
}

// IsClosed never fails. It reports true for closed and zero handles.
func (s Session) IsClosed() bool {
	if s.closed == nil {
		return true
	}
	return s.closed.Load()
}

// Reader returns the reader the session was opened on.
func (s Session) Reader() (Reader, error) {
	if s.svc == nil {
		return Reader{}, newError(CodeBadParameters, "Session.Reader", "nil session handle")
	}
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()

	sess, _, err := s.svc.sessionLocked("Session.Reader", s.h)
	if err != nil {
		return Reader{}, err
	}
	return Reader{svc: s.svc, h: sess.reader}, nil
}

// ATR returns a copy of the answer-to-reset captured when the link was connected.
func (s Session) ATR() ([]byte, error) {
	if s.svc == nil {
		return nil, newError(CodeBadParameters, "Session.ATR", "nil session handle")
	}
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()

	sess, _, err := s.svc.sessionLocked("Session.ATR", s.h)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(sess.atr), nil
}

// Close closes the session's channels and releases the reader link when no
// other session uses it. Closing a closed session is a no-op.
func (s Session) Close(ctx context.Context) error {
	const op = "Session.Close"

	if s.svc == nil {
		return newError(CodeBadParameters, op, "nil session handle")
	}
	if s.IsClosed() {
		return nil
	}

	s.svc.mu.Lock()
	sess, r, err := s.svc.sessionLocked(op, s.h)
	if err != nil {
		s.svc.mu.Unlock()
		if CodeOf(err) == CodeInvalidState {
			return nil
		}
		return err
	}

	t := teardown{link: r.link, logger: sess.logger}
	t.logical = s.svc.closeSessionLocked(s.h, sess, r)
	if len(r.sessions) == 0 {
		t.disconnect = true
		r.link = nil
	}
	s.svc.mu.Unlock()

	t.run(ctx)
	return nil
}

// OpenBasicChannel selects aid on channel 0. The basic channel is a single
// lane of the reader, so at most one session of the reader may hold it: while
// a session holds it, this session and every sibling session on the same
// reader get ChannelNotAvailable until it closes with its session.
func (s Session) OpenBasicChannel(ctx context.Context, aid []byte) (Channel, error) {
	return s.openChannel(ctx, "Session.OpenBasicChannel", Basic, aid)
}

// OpenLogicalChannel asks the secure element for a new logical channel and
// selects aid on it.
func (s Session) OpenLogicalChannel(ctx context.Context, aid []byte) (Channel, error) {
	return s.openChannel(ctx, "Session.OpenLogicalChannel", Logical, aid)
}
