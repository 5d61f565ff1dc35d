// Copyright 2024-2026 Aiku AI

package matrix

import (
	"errors"

	"maunium.net/go/mautrix"

	"github.com/aiku/channel-cloner/pkg/platform"
)

var mUserDeactivated = mautrix.RespError{ErrCode: "M_USER_DEACTIVATED"}

// classify turns a mautrix failure into a *platform.Error based on the
// Matrix error code.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken),
		errors.Is(err, mUserDeactivated):
		return platform.NewError(op, platform.KindIdentityRejected, err)
	case errors.Is(err, mautrix.MNotFound):
		return platform.NewError(op, platform.KindNotFound, err)
	default:
		return platform.NewError(op, platform.KindTransient, err)
	}
}
