package pcsc

import (
	"context"
	"errors"
	"testing"

	"github.com/ebfe/scard"

	"github.com/gregLibert/secure-element/pkg/se"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want se.ErrorCode
	}{
		{name: "Sharing violation", err: scard.ErrSharingViolation, want: se.CodeReaderBusy},
		{name: "No card", err: scard.ErrNoSmartcard, want: se.CodeNotPresent},
		{name: "Card removed", err: scard.ErrRemovedCard, want: se.CodeNotPresent},
		{name: "Unknown reader", err: scard.ErrUnknownReader, want: se.CodeReaderUnavailable},
		{name: "Reader gone", err: scard.ErrReaderUnavailable, want: se.CodeReaderUnavailable},
		{name: "Already coded", err: se.ErrInvalidState, want: se.CodeInvalidState},
		{name: "Other PC/SC failure", err: scard.ErrCommError, want: 0},
		{name: "Deadline", err: context.DeadlineExceeded, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "reader %q", "ACS ACR39U")
			if code := se.CodeOf(got); code != tt.want {
				t.Errorf("CodeOf() = %v, want %v", code, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("mapped error %v lost its cause", got)
			}
		})
	}

	if mapError(nil, "unused") != nil {
		t.Error("mapError(nil) should be nil")
	}
}

func TestProtocolName(t *testing.T) {
	for p, want := range map[scard.Protocol]string{
		scard.ProtocolT0:        "T=0",
		scard.ProtocolT1:        "T=1",
		scard.ProtocolUndefined: "unknown",
	} {
		if got := protocolName(p).String(); got != want {
			t.Errorf("protocolName(%d) = %q, want %q", p, got, want)
		}
	}
}
