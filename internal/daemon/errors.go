package daemon

import "errors"

var (
	// ErrMissingLogger is returned when a Manager is built without a logger.
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingAPIHandler is returned when a Manager is built without an
	// API handler.
	ErrMissingAPIHandler = errors.New("API handler is required")

	// ErrMissingManager is returned when an App is created without a manager.
	ErrMissingManager = errors.New("manager is required")

	// ErrManagerNotStarted is returned when Shutdown is called on a Manager
	// that never started.
	ErrManagerNotStarted = errors.New("manager not started")
)
