package jobs

import (
	"amrcore/pkg/domain"
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// RetrainRequester accepts retraining requests.
type RetrainRequester interface {
	Request(ctx context.Context, class domain.InstrumentClass) (RetrainOutcome, domain.RetrainingLog, error)
}

// Scheduler requests retraining of every class on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	requester RetrainRequester
	logger    Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler parses spec (standard five-field cron syntax or descriptors
// such as "@daily") and binds it to requester.
func NewScheduler(spec string, requester RetrainRequester, logger Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, errors.New("retrain schedule is empty")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      cron.New(),
		requester: requester,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("parse retrain schedule %q: %w", spec, err)
	}
	return s, nil
}

// Tick requests retraining for every class and returns the outcomes.
func (s *Scheduler) Tick(ctx context.Context) map[domain.InstrumentClass]RetrainOutcome {
	out := make(map[domain.InstrumentClass]RetrainOutcome, 2)
	for _, class := range domain.InstrumentClasses() {
		outcome, log, err := s.requester.Request(ctx, class)
		if err != nil {
			s.logger.Error("scheduled retraining request failed", "class", class, "error", err)
			continue
		}
		out[class] = outcome
		s.logger.Info("scheduled retraining", "class", class, "outcome", outcome, "log_id", log.ID)
	}
	return out
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
