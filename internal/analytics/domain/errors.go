package domain

import "errors"

var (
	ErrConfig        = errors.New("analytics: configuration error")
	ErrTransport     = errors.New("analytics: transport error")
	ErrQuotaExceeded = errors.New("analytics: quota exceeded")
	ErrDecode        = errors.New("analytics: decode error")
	ErrData          = errors.New("analytics: missing required identifier")
	ErrInvalidPeriod = errors.New("analytics: invalid period")
	ErrInvalidStatus = errors.New("analytics: invalid status")
	ErrInvalidKind   = errors.New("analytics: invalid kind")
)
