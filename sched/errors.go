package sched

import "errors"

var (
	ErrFDAlreadyRegistered = errors.New("sched: fd already registered")
	ErrFDNotRegistered     = errors.New("sched: fd not registered")
	ErrFDUnsupported       = errors.New("sched: raw fd registration unsupported on this platform")
)
