package workers

import (
	"github.com/google/uuid"

	"rideradar/models"
)

// LogFunc mirrors a worker log line into the run_logs table.
type LogFunc func(level models.LogLevel, vendor, message string)

var NoOpLogger LogFunc = func(level models.LogLevel, vendor, message string) {}

type runLogger interface {
	Log(runID *uuid.UUID, level models.LogLevel, message, vendor string) error
}

// LedgerLogger writes worker lines with no run id.
func LedgerLogger(l runLogger) LogFunc {
	return func(level models.LogLevel, vendor, message string) {
		_ = l.Log(nil, level, message, vendor)
	}
}
