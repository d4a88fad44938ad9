package programs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/landlink/landlink/internal/metrics"
)

// ExpiryScheduler periodically expires programs whose deadline has passed.
// A run that is still going when the next one is due makes the next one
// skip.
type ExpiryScheduler struct {
	service *Service
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

// NewExpiryScheduler creates a scheduler for a standard cron spec such as
// "@every 1m" or "*/5 * * * *".
func NewExpiryScheduler(service *Service, schedule string, logger *slog.Logger) (*ExpiryScheduler, error) {
	s := &ExpiryScheduler{
		service: service,
		logger:  logger,
		timeout: 5 * time.Minute,
	}
	cronLogger := cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduling runs in the background.
func (s *ExpiryScheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for a running one to finish or ctx to
// end.
func (s *ExpiryScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("program expiry run still in progress at shutdown")
	}
}

// RunOnce expires due programs immediately.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ExpiryRunDuration.Observe(time.Since(start).Seconds()) }()
	return s.service.ExpireDue(ctx, s.service.now())
}

func (s *ExpiryScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("failed to expire programs", "expired", count, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("programs expired", "count", count)
	}
}
