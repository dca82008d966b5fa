package data

import "errors"

var (
	errShortHeader = errors.New("data: short stream header")
	errBadMagic    = errors.New("data: stream header magic mismatch")
)
