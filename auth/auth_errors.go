package auth

import "errors"

var (
	NotLoggedInErr         = errors.New("not logged in")
	MissingRefreshTokenErr = errors.New("no refresh token in session store")
	RefreshRejectedErr     = errors.New("refresh token rejected")
	RefreshFailedErr       = errors.New("token refresh failed")
	UnknownBrokerErr       = errors.New("unknown broker")
)
