package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrMissingAddr indicates that no bind address is configured
	ErrMissingAddr = errors.New("addr is required in configuration")

	// ErrMissingStorePath indicates that no store path is configured
	ErrMissingStorePath = errors.New("storePath is required in configuration")

	// ErrInvalidLogLevel indicates an unknown log level
	ErrInvalidLogLevel = errors.New("logLevel must be one of debug, info, warn, error")
)
