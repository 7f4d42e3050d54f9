package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/openfarm/farm-runtime-go/internal/runtime"
)

const (
	summarySchedule = "5 0 * * *"
	flushSchedule   = "0 * * * *"
)

// Supervisor is the slice of the runtime manager the maintenance job needs.
type Supervisor interface {
	RestartFailed(ctx context.Context) (int, error)
	ServiceStatus(ctx context.Context) (*runtime.ServiceStatus, error)
}

// Flusher persists buffered runtime log entries.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Maintenance periodically sweeps failed accounts back up, force-flushes the
// runtime log as a safety net and writes a nightly one-line summary of the
// daemon state.
type Maintenance struct {
	supervisor   Supervisor
	logs         Flusher
	restartEvery time.Duration
	cron         *cron.Cron
}

func NewMaintenance(supervisor Supervisor, logs Flusher, restartEvery time.Duration) *Maintenance {
	return &Maintenance{
		supervisor:   supervisor,
		logs:         logs,
		restartEvery: restartEvery,
		cron:         cron.New(),
	}
}

func (j *Maintenance) Start() error {
	if j.restartEvery > 0 {
		spec := fmt.Sprintf("@every %s", j.restartEvery)
		if _, err := j.cron.AddFunc(spec, j.restartFailed); err != nil {
			return fmt.Errorf("schedule restart sweep: %w", err)
		}
	}
	if _, err := j.cron.AddFunc(flushSchedule, j.flushLogs); err != nil {
		return fmt.Errorf("schedule log flush: %w", err)
	}
	if _, err := j.cron.AddFunc(summarySchedule, j.nightlySummary); err != nil {
		return fmt.Errorf("schedule nightly summary: %w", err)
	}
	j.cron.Start()
	log.Info().Dur("restartEvery", j.restartEvery).Msg("maintenance jobs started")
	return nil
}

func (j *Maintenance) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Msg("maintenance jobs stopped")
}

func (j *Maintenance) restartFailed() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	recovered, err := j.supervisor.RestartFailed(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed account sweep errored")
		return
	}
	if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("failed accounts restarted")
	}
}

// The log hub already flushes on its own interval; this catches the case
// where its loop wedged on a slow store.
func (j *Maintenance) flushLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.logs.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("maintenance log flush failed")
	}
}

func (j *Maintenance) nightlySummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := j.supervisor.ServiceStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("nightly summary skipped")
		return
	}
	log.Info().
		Int("accounts", status.Accounts).
		Int("running", status.Running).
		Int("failed", status.Failed).
		Int("inFlight", status.InFlight).
		Msg("daily runtime summary")
}
