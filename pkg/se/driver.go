package se

import "context"

// Capabilities are the static properties a slot advertises.
type Capabilities struct {
	// TEEOnly marks a secure element reachable only from the trusted environment.
	TEEOnly bool
	// SelectResponseEnable reports that select responses are made available to clients.
	SelectResponseEnable bool
}

// Driver enumerates the SE slots of a platform.
//
// Errors returned by a driver should match one of the package sentinels
// (ErrNotPresent, ErrReaderBusy, ErrReaderUnavailable, ...) when they have
// such a meaning. Anything else is reported as a communication error.
type Driver interface {
	Slots(ctx context.Context) ([]Slot, error)
}

// Slot is one reader of the platform.
type Slot interface {
	Name() string
	Capabilities() Capabilities
	// Present reports whether a secure element is inserted.
	Present(ctx context.Context) (bool, error)
	// Connect opens the physical link to the secure element.
	Connect(ctx context.Context) (Card, error)
}

// Card is a connected secure element. Transmit exchanges one raw APDU.
type Card interface {
	ATR() []byte
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
	Disconnect() error
}
