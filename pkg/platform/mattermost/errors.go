// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"errors"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/channel-cloner/pkg/platform"
)

const sessionExpiredID = "api.context.session_expired.app_error"

// classify turns a Client4 failure into a *platform.Error.
func classify(op string, resp *model.Response, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) && status == 0 {
		status = appErr.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized,
		appErr != nil && appErr.Id == sessionExpiredID:
		return platform.NewError(op, platform.KindIdentityRejected, err)
	case status == http.StatusNotFound:
		return platform.NewError(op, platform.KindNotFound, err)
	default:
		return platform.NewError(op, platform.KindTransient, err)
	}
}
