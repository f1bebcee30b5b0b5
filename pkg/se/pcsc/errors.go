package pcsc

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
	pkgerrors "github.com/pkg/errors"

	"github.com/gregLibert/secure-element/pkg/se"
)

var codes = []struct {
	err  scard.Error
	code se.ErrorCode
}{
	{scard.ErrSharingViolation, se.CodeReaderBusy},
	{scard.ErrNoSmartcard, se.CodeNotPresent},
	{scard.ErrRemovedCard, se.CodeNotPresent},
	{scard.ErrUnknownReader, se.CodeReaderUnavailable},
	{scard.ErrReaderUnavailable, se.CodeReaderUnavailable},
	{scard.ErrNoReadersAvailable, se.CodeReaderUnavailable},
}

// mapError attaches the se error code matching a PC/SC failure. Failures with
// no specific code are wrapped as they are and surface as Communication.
func mapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if se.CodeOf(err) != 0 {
		return err
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return &se.Error{Code: c.code, Op: "pcsc", Message: fmt.Sprintf(format, args...), Cause: err}
		}
	}
	return pkgerrors.Wrapf(err, format, args...)
}
