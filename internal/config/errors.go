package config

import "errors"

var (
	// ErrMissingFile marks an absent config file. The caller bootstraps a
	// default stub and exits cleanly instead of treating this as a fault.
	ErrMissingFile = errors.New("config file not found")

	// ErrInvalid classifies config files that exist but cannot be decoded
	// or fail validation. Fatal: running with a half-read config would
	// silently touch the wrong server or the wrong libraries.
	ErrInvalid = errors.New("invalid configuration")
)
