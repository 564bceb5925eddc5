// Package svcfields holds the shared log field conventions.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the key subsystem tags are logged under.
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem tags every entry of logger with a dotted subsystem path,
// e.g. "server.reactor".
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithConn tags entries with a connection's correlation id and peer address.
func WithConn(logger pslog.Logger, id, peer string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("conn_id", id, "peer", peer)
}
