// Package simulator provides in-memory secure elements and readers that
// implement the se driver interfaces. It backs the CLI's -simulate mode and
// the tests of the se package.
package simulator

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/gregLibert/secure-element/pkg/se"
)

// Driver is a fixed set of simulated readers.
type Driver struct {
	mu      sync.Mutex
	readers []*Reader
}

func NewDriver(readers ...*Reader) *Driver {
	return &Driver{readers: readers}
}

// Slots lists the readers that have not been removed.
func (d *Driver) Slots(ctx context.Context) ([]se.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var slots []se.Slot
	for _, r := range d.readers {
		if !r.isRemoved() {
			slots = append(slots, r)
		}
	}
	return slots, nil
}

// Reader is a simulated slot, optionally holding a card.
type Reader struct {
	name string
	caps se.Capabilities

	mu      sync.Mutex
	card    *Card
	removed bool
	busy    bool
	conns   int
}

func NewReader(name string, card *Card, caps se.Capabilities) *Reader {
	return &Reader{name: name, card: card, caps: caps}
}

func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) Capabilities() se.Capabilities {
	return r.caps
}

func (r *Reader) Present(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return false, errors.Wrapf(se.ErrReaderUnavailable, "reader %q removed", r.name)
	}
	return r.card != nil, nil
}

func (r *Reader) Connect(ctx context.Context) (se.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.removed:
		return nil, errors.Wrapf(se.ErrReaderUnavailable, "reader %q removed", r.name)
	case r.busy:
		return nil, errors.Wrapf(se.ErrReaderBusy, "reader %q held exclusively", r.name)
	case r.card == nil:
		return nil, errors.Wrapf(se.ErrNotPresent, "no card in %q", r.name)
	}
	r.conns++
	return &conn{reader: r, card: r.card}, nil
}

// InsertCard places card in the reader, replacing any previous one.
func (r *Reader) InsertCard(card *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = card
}

// RemoveCard takes the card out. Open connections fail from then on.
func (r *Reader) RemoveCard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
}

// Unplug removes the reader from the platform.
func (r *Reader) Unplug() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = true
}

// SetBusy simulates another application holding the reader exclusively.
func (r *Reader) SetBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = busy
}

// Connections is the number of connections currently open.
func (r *Reader) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

func (r *Reader) isRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func (r *Reader) holds(card *Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.removed:
		return errors.Wrapf(se.ErrReaderUnavailable, "reader %q removed", r.name)
	case r.card != card:
		return errors.Wrapf(se.ErrNotPresent, "card removed from %q", r.name)
	}
	return nil
}

// conn is one connection to the card of a reader.
type conn struct {
	reader *Reader
	card   *Card

	mu     sync.Mutex
	closed bool
}

func (c *conn) ATR() []byte {
	return bytes.Clone(c.card.atr)
}

func (c *conn) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("transmit on closed connection")
	}
	if err := c.reader.holds(c.card); err != nil {
		return nil, err
	}
	return c.card.transmit(ctx, cmd)
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.reader.mu.Lock()
	c.reader.conns--
	c.reader.mu.Unlock()
	return nil
}
