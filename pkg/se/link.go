package se

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/iso7816"
)

// link is the physical connection to the secure element of one reader. It is
// shared by every session open on the reader and serializes all wire traffic:
// an exchange sequence runs entirely under mu, so APDUs of different sessions
// and channels never interleave.
type link struct {
	mu      sync.Mutex
	card    Card
	client  *iso7816.Client
	atr     []byte
	closed  bool
	timeout time.Duration
	logger  *zap.Logger

	exchanges *atomic.Uint64
}

func newLink(card Card, timeout time.Duration, logger *zap.Logger) *link {
	l := &link{
		card:      card,
		client:    iso7816.NewClient(card),
		timeout:   timeout,
		logger:    logger,
		exchanges: atomic.NewUint64(0),
	}

	atr := card.ATR()
	if len(atr) > MaxATRLength {
		logger.Warn("ATR truncated", zap.Int("length", len(atr)))
		atr = atr[:MaxATRLength]
	}
	l.atr = append([]byte(nil), atr...)

	l.client.OnExchange = func(cmd, resp []byte) {
		l.exchanges.Inc()
		l.logger.Debug("apdu", zap.Binary("command", cmd), zap.Binary("response", resp))
	}
	return l
}

// do runs fn with exclusive use of the wire, bounded by the link timeout.
func (l *link) do(ctx context.Context, op string, fn func(ctx context.Context, client *iso7816.Client) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return newError(CodeInvalidState, op, "reader link closed")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return fn(ctx, l.client)
}

// release closes logical channel n with a fresh deadline, so the channel is
// given back to the secure element even when the caller's context is done.
// The wire must be held.
func (l *link) release(client *iso7816.Client, n uint8, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	_ = closeLogicalChannel(ctx, client, n, logger)
}

// close waits for the exchange in flight, if any, and disconnects the card.
func (l *link) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.logger.Debug("disconnecting", zap.Uint64("exchanges", l.exchanges.Load()))
	if err := l.card.Disconnect(); err != nil {
		return driverError("link.close", "disconnect failed", err)
	}
	return nil
}

// exchange sends cmd and maps transport failures onto Communication errors.
func exchange(ctx context.Context, client *iso7816.Client, op string, cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, iso7816.Trace, error) {
	resp, trace, err := client.Exchange(ctx, cmd)
	if err != nil {
		return nil, trace, wrapError(CodeCommunication, op, "exchange failed", err)
	}
	return resp, trace, nil
}
