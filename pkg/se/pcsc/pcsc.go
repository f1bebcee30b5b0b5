// Package pcsc implements the se driver interfaces on top of the PC/SC
// resource manager (pcsc-lite, WinSCard).
//
// PC/SC contexts are not safe for use from several threads, so every call is
// funneled through a single goroutine locked to its OS thread.
package pcsc

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/ebfe/scard"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/se"
)

type call struct {
	fn   func(*scard.Context) error
	done chan error
}

// Driver lists PC/SC readers as se slots.
type Driver struct {
	logger *zap.Logger
	calls  chan call
	stop   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Open establishes a PC/SC context. A nil logger uses the global one.
func Open(logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.L()
	}
	d := &Driver{
		logger: logger.Named("pcsc"),
		calls:  make(chan call),
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	started := make(chan error, 1)
	go d.run(started)
	if err := <-started; err != nil {
		return nil, pkgerrors.Wrap(err, "failed to establish PC/SC context")
	}
	return d, nil
}

func (d *Driver) run(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.closed)

	sctx, err := scard.EstablishContext()
	if err != nil {
		started <- err
		return
	}
	defer func() {
		if err := sctx.Release(); err != nil {
			d.logger.Warn("failed to release context", zap.Error(err))
		}
	}()
	started <- nil
	d.logger.Debug("context established")

	d.serve(sctx)
}

func (d *Driver) serve(sctx *scard.Context) {
	for {
		select {
		case c := <-d.calls:
			c.done <- c.fn(sctx)
		case <-d.stop:
			return
		}
	}
}

// Close releases the PC/SC context. Cards still connected are left as they are.
func (d *Driver) Close() error {
	d.once.Do(func() { close(d.stop) })
	<-d.closed
	return nil
}

// do runs fn on the context goroutine. When ctx ends first, fn still runs to
// completion but its result is dropped.
func (d *Driver) do(ctx context.Context, fn func(*scard.Context) error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case d.calls <- c:
	case <-d.closed:
		return errors.New("PC/SC context released")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire runs open on the context goroutine and hands its result to the
// caller. A result produced after the caller stopped waiting is given to
// release instead, on the context goroutine.
func acquire[T any](ctx context.Context, d *Driver, open func(*scard.Context) (T, error), release func(T)) (T, error) {
	var (
		res     T
		settled = atomic.NewBool(false)
	)
	err := d.do(ctx, func(sctx *scard.Context) error {
		v, err := open(sctx)
		if err != nil {
			return err
		}
		if !settled.CompareAndSwap(false, true) {
			release(v)
			return ctx.Err()
		}
		res = v
		return nil
	})
	if err == nil {
		return res, nil
	}
	if !settled.CompareAndSwap(false, true) {
		// open completed while ctx ended: the result is ours to release.
		_ = d.do(context.Background(), func(*scard.Context) error {
			release(res)
			return nil
		})
	}
	var zero T
	return zero, err
}

// Slots lists the readers known to the resource manager.
func (d *Driver) Slots(ctx context.Context) ([]se.Slot, error) {
	var names []string
	err := d.do(ctx, func(sctx *scard.Context) error {
		var err error
		names, err = sctx.ListReaders()
		return err
	})
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		d.logger.Info("no reader available")
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err, "failed to list readers")
	}

	slots := make([]se.Slot, len(names))
	for i, name := range names {
		d.logger.Debug("reader found", zap.String("reader", name))
		slots[i] = &slot{driver: d, name: name}
	}
	return slots, nil
}

type slot struct {
	driver *Driver
	name   string
}

func (s *slot) Name() string {
	return s.name
}

// Capabilities of a PC/SC slot: any application may use it and select
// responses are available.
func (s *slot) Capabilities() se.Capabilities {
	return se.Capabilities{SelectResponseEnable: true}
}

func (s *slot) Present(ctx context.Context) (bool, error) {
	states := []scard.ReaderState{{Reader: s.name, CurrentState: scard.StateUnaware}}
	err := s.driver.do(ctx, func(sctx *scard.Context) error {
		return sctx.GetStatusChange(states, 0)
	})
	if err != nil {
		return false, mapError(err, "failed to query %q", s.name)
	}

	event := states[0].EventState
	if event&(scard.StateUnknown|scard.StateUnavailable) != 0 {
		return false, &se.Error{Code: se.CodeReaderUnavailable, Op: "pcsc.Present", Message: "reader " + s.name + " unavailable"}
	}
	return event&scard.StatePresent != 0, nil
}

func (s *slot) Connect(ctx context.Context) (se.Card, error) {
	c, err := acquire(ctx, s.driver, func(sctx *scard.Context) (*card, error) {
		sc, err := sctx.Connect(s.name, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
		if err != nil {
			return nil, err
		}

		proto := sc.ActiveProtocol()
		if proto != scard.ProtocolT0 && proto != scard.ProtocolT1 {
			_ = sc.Disconnect(scard.LeaveCard)
			return nil, pkgerrors.Errorf("unsupported card protocol %d", proto)
		}
		status, err := sc.Status()
		if err != nil {
			_ = sc.Disconnect(scard.LeaveCard)
			return nil, err
		}
		return &card{driver: s.driver, reader: s.name, card: sc, atr: status.Atr, protocol: proto}, nil
	}, func(c *card) {
		_ = c.card.Disconnect(scard.LeaveCard)
		s.driver.logger.Debug("abandoned connection released", zap.String("reader", s.name))
	})
	if err != nil {
		return nil, mapError(err, "failed to connect to %q", s.name)
	}

	s.driver.logger.Debug("card connected",
		zap.String("reader", s.name),
		zap.Binary("atr", c.atr),
		zap.Stringer("protocol", protocolName(c.protocol)),
	)
	return c, nil
}

type card struct {
	driver   *Driver
	reader   string
	card     *scard.Card
	atr      []byte
	protocol scard.Protocol
}

func (c *card) ATR() []byte {
	return append([]byte(nil), c.atr...)
}

func (c *card) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	var resp []byte
	err := c.driver.do(ctx, func(*scard.Context) error {
		var err error
		resp, err = c.card.Transmit(cmd)
		return err
	})
	if err != nil {
		return nil, mapError(err, "transmit to %q failed", c.reader)
	}
	return resp, nil
}

func (c *card) Disconnect() error {
	err := c.driver.do(context.Background(), func(*scard.Context) error {
		return c.card.Disconnect(scard.LeaveCard)
	})
	if err != nil {
		return mapError(err, "failed to disconnect from %q", c.reader)
	}
	return nil
}

type protocolName scard.Protocol

func (p protocolName) String() string {
	switch scard.Protocol(p) {
	case scard.ProtocolT0:
		return "T=0"
	case scard.ProtocolT1:
		return "T=1"
	}
	return "unknown"
}
