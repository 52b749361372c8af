package engine

import "errors"

var (
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert engine stopped")
)
