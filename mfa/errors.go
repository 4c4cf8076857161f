package mfa

import "errors"

var (
	ErrInvalidCode    = errors.New("mfa: invalid verification code")
	ErrNotConfigured  = errors.New("mfa: not configured")
	ErrNotEnabled     = errors.New("mfa: not enabled")
	ErrInvalidPhone   = errors.New("mfa: phone number must be E.164")
	ErrInvalidMethod  = errors.New("mfa: invalid method")
	ErrDispatchFailed = errors.New("mfa: otp dispatch failed")
	ErrUnavailable    = errors.New("mfa: store unavailable")
	ErrInvalidConfig  = errors.New("mfa: invalid configuration")
)
