package controller

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// RestartRecord is kept for the lifetime of the supervisor process. It never decays.
type RestartRecord struct {
	RestartCount    int       `json:"restart_count"`
	LastRestartTime time.Time `json:"last_restart_time"`
	LastError       string    `json:"last_error,omitempty"`
}

// RestartPolicy bounds automatic restarts by count and spacing.
type RestartPolicy struct {
	MaxRestarts int
	MinInterval time.Duration
}

func NewRestartPolicy(cfg config.RestartPolicyConfig) RestartPolicy {
	return RestartPolicy{
		MaxRestarts: cfg.MaxRestarts,
		MinInterval: cfg.MinIntervalDuration(),
	}
}

// Evaluate decides whether a restart at now is permitted. It does not modify
// the record; the caller commits a permitted restart with Commit.
func (p RestartPolicy) Evaluate(service string, record RestartRecord, now time.Time) error {
	if record.RestartCount >= p.MaxRestarts {
		return errors.NewRestartPolicyExceededError(service, record.RestartCount, p.MaxRestarts)
	}
	if !record.LastRestartTime.IsZero() {
		since := now.Sub(record.LastRestartTime)
		if since < p.MinInterval {
			return errors.NewRestartTooSoonError(service, since, p.MinInterval)
		}
	}
	return nil
}

// Commit returns the record after a permitted restart.
func (r RestartRecord) Commit(now time.Time, cause error) RestartRecord {
	r.RestartCount++
	r.LastRestartTime = now
	r.LastError = ""
	if cause != nil {
		r.LastError = cause.Error()
	}
	return r
}
