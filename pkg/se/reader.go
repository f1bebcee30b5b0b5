package se

import (
	"context"
	"unicode/utf8"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type reader struct {
	name   string
	slot   Slot
	caps   Capabilities
	logger *zap.Logger

	// Guarded by Service.mu.
	link       *link
	sessions   []handle
	basicOwner handle // session holding the basic channel
	logical    int    // open or reserved logical channels
}

func newReader(slot Slot, maxName int, logger *zap.Logger) *reader {
	name := truncateName(slot.Name(), maxName)
	return &reader{
		name:   name,
		slot:   slot,
		caps:   slot.Capabilities(),
		logger: logger.Named("reader").With(zap.String("reader", name)),
	}
}

// truncateName cuts name to at most max bytes without splitting a UTF-8 sequence.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

func (r *reader) sessionHandles() []handle {
	return append([]handle(nil), r.sessions...)
}

func (r *reader) removeSession(h handle) {
	for i, sh := range r.sessions {
		if sh == h {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// Reader is a handle to one SE slot of the service snapshot.
type Reader struct {
	svc *Service
	h   handle
}

// Properties describe a reader at the time of the query.
type Properties struct {
	Present              bool
	TEEOnly              bool
	SelectResponseEnable bool
}

// ID is stable for the lifetime of the service.
func (r Reader) ID() uint64 {
	return r.h.id()
}

// Name returns the name captured when the service enumerated its readers.
// It keeps answering after the reader is unplugged; Properties reports the
// reader's current availability.
func (r Reader) Name() (string, error) {
	if r.svc == nil {
		return "", newError(CodeBadParameters, "Reader.Name", "nil reader handle")
	}
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()

	rd, err := r.svc.readerLocked("Reader.Name", r.h)
	if err != nil {
		return "", err
	}
	return rd.name, nil
}

// Properties queries the slot for card presence and returns it together with
// the static capabilities.
func (r Reader) Properties(ctx context.Context) (Properties, error) {
	const op = "Reader.Properties"

	if r.svc == nil {
		return Properties{}, newError(CodeBadParameters, op, "nil reader handle")
	}
	r.svc.mu.Lock()
	rd, err := r.svc.readerLocked(op, r.h)
	timeout := r.svc.cfg.Timeout
	r.svc.mu.Unlock()
	if err != nil {
		return Properties{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	present, err := rd.slot.Present(ctx)
	if err != nil {
		return Properties{}, driverError(op, "presence query failed", err)
	}

	return Properties{
		Present:              present,
		TEEOnly:              rd.caps.TEEOnly,
		SelectResponseEnable: rd.caps.SelectResponseEnable,
	}, nil
}

// OpenSession opens a session to the reader's secure element. The first
// session connects the physical link, later ones share it.
func (r Reader) OpenSession(ctx context.Context) (Session, error) {
	const op = "Reader.OpenSession"

	if r.svc == nil {
		return Session{}, newError(CodeBadParameters, op, "nil reader handle")
	}
	svc := r.svc
	svc.mu.Lock()
	defer svc.mu.Unlock()

	rd, err := svc.readerLocked(op, r.h)
	if err != nil {
		return Session{}, err
	}

	if len(rd.sessions) >= svc.cfg.MaxSessionsPerReader {
		return Session{}, newError(CodeReaderBusy, op, "session limit %d reached", svc.cfg.MaxSessionsPerReader)
	}

	if rd.link == nil {
		cctx, cancel := context.WithTimeout(ctx, svc.cfg.Timeout)
		card, err := rd.slot.Connect(cctx)
		cancel()
		if err != nil {
			rd.logger.Warn("connect failed", zap.Error(err))
			return Session{}, driverError(op, "connect failed", err)
		}
		rd.link = newLink(card, svc.cfg.Timeout, rd.logger.Named("link"))
		rd.logger.Info("link connected")
	}

	sess := &session{
		reader: r.h,
		atr:    rd.link.atr,
		closed: atomic.NewBool(false),
	}
	sh := svc.sessions.insert(sess)
	sess.logger = rd.logger.Named("session").With(zap.Uint64("session", sh.id()))
	rd.sessions = append(rd.sessions, sh)

	sess.logger.Info("session opened", zap.Int("sessions", len(rd.sessions)))
	return Session{svc: svc, h: sh, closed: sess.closed}, nil
}

// CloseSessions closes every session of the reader and their channels. An
// exchange already on the wire completes before the link is disconnected.
func (r Reader) CloseSessions(ctx context.Context) error {
	const op = "Reader.CloseSessions"

	if r.svc == nil {
		return newError(CodeBadParameters, op, "nil reader handle")
	}
	r.svc.mu.Lock()
	rd, err := r.svc.readerLocked(op, r.h)
	if err != nil {
		r.svc.mu.Unlock()
		return err
	}
	t := r.svc.closeReaderLocked(rd)
	r.svc.mu.Unlock()

	t.run(ctx)
	return nil
}
