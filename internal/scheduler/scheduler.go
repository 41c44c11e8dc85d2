// Package scheduler runs the engine's recurring jobs on cron schedules.
// Specs use the six-field form with a seconds column and are evaluated in
// the configured timezone. A job never overlaps itself: if a tick fires
// while the previous run is still going, the tick is skipped.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a single schedulable unit of work.
type Job interface {
	Name() string
	Run() error
}

type funcJob struct {
	name string
	fn   func() error
}

func (j funcJob) Name() string { return j.name }
func (j funcJob) Run() error   { return j.fn() }

// Func wraps a bare function as a named Job.
func Func(name string, fn func() error) Job {
	return funcJob{name: name, fn: fn}
}

// Scheduler manages all background jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu    sync.Mutex
	kicks []*time.Timer
}

// New creates a scheduler whose specs are evaluated in tz.
func New(tz *time.Location, log zerolog.Logger) *Scheduler {
	logger := log.With().Str("component", "scheduler").Logger()
	if tz == nil {
		tz = time.UTC
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(tz),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: logger})),
		),
		log: logger,
	}
}

// AddJob registers a job on the given cron spec.
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runJob(job)
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("Job registered")
	return nil
}

// KickAfter fires job once after delay, outside its cron schedule. Used for
// jobs that should not wait out their first scheduled slot after boot.
// Pending kicks are cancelled by Stop.
func (s *Scheduler) KickAfter(delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.AfterFunc(delay, func() {
		s.runJob(job)
	})
	s.kicks = append(s.kicks, t)
}

// RunNow executes a job immediately on the calling goroutine.
func (s *Scheduler) RunNow(job Job) {
	s.runJob(job)
}

// Start begins executing scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop cancels pending kicks, stops scheduling new runs and blocks until
// every job currently running has finished.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.kicks {
		t.Stop()
	}
	s.kicks = nil
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")
	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", job.Name()).Dur("elapsed", time.Since(start)).Msg("Job completed")
}

// cronLogger routes the cron library's own messages, notably overlap
// skips, into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(kvFields(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(kvFields(keysAndValues)).Msg(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}
