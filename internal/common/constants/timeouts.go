// Package constants provides application-wide constants and timeouts.
package constants

import "time"

const (
	// StopMessage is the failure message recorded when a user stops a session.
	StopMessage = "Task stopped by user"

	// SessionLostMessage is recorded for tasks left running without a live session.
	SessionLostMessage = "Session lost: no active runner"
)

const (
	// ServerShutdownTimeout bounds graceful HTTP shutdown.
	ServerShutdownTimeout = 30 * time.Second

	// RegistryShutdownTimeout bounds stopping every live session on exit.
	RegistryShutdownTimeout = 15 * time.Second

	// StatusReadTimeout bounds store reads issued from the gateway.
	StatusReadTimeout = 5 * time.Second

	// StatusWriteTimeout bounds a terminal status write made by the session layer.
	StatusWriteTimeout = 10 * time.Second
)
