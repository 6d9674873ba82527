// Package housekeeping runs the periodic jobs of a server: the outbox relay,
// the orphan sweep and the retention purge.
package housekeeping

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/gommon/log"
	"github.com/tevino/abool/v2"

	"reproserver/internal/engine"
)

type Relayer interface {
	RunOnce(ctx context.Context) (int, error)
}

// Janitor is the part of the engine the sweep jobs need.
type Janitor interface {
	SweepOrphans(ctx context.Context, grace time.Duration) (engine.SweepReport, error)
	PurgeStale(ctx context.Context, retention time.Duration) ([]string, error)
}

type Config struct {
	RelayInterval time.Duration
	SweepInterval time.Duration
	OrphanGrace   time.Duration
	Retention     time.Duration
}

// Report is the outcome of one housekeeping pass.
type Report struct {
	Relayed int                `json:"relayed"`
	Swept   engine.SweepReport `json:"swept"`
	Purged  []string           `json:"purged"`
}

// Sweeper runs the sweep jobs. Passes never overlap: a pass that starts while
// another is running is skipped.
type Sweeper struct {
	Relay   Relayer
	Janitor Janitor
	Config  Config
	Log     *log.Logger

	running *abool.AtomicBool
}

func NewSweeper(relay Relayer, j Janitor, cfg Config, logger *log.Logger) *Sweeper {
	return &Sweeper{Relay: relay, Janitor: j, Config: cfg, Log: logger, running: abool.New()}
}

var ErrBusy = errors.New("housekeeping pass already running")

// RunOnce relays pending tasks, sweeps orphans and purges stale experiments.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if !s.running.SetToIf(false, true) {
		return rep, ErrBusy
	}
	defer s.running.UnSet()

	var err error
	if s.Relay != nil {
		if rep.Relayed, err = s.Relay.RunOnce(ctx); err != nil {
			return rep, err
		}
	}
	if rep.Swept, err = s.Janitor.SweepOrphans(ctx, s.Config.OrphanGrace); err != nil {
		return rep, err
	}
	if rep.Purged, err = s.Janitor.PurgeStale(ctx, s.Config.Retention); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if !s.running.SetToIf(false, true) {
		return
	}
	defer s.running.UnSet()
	if _, err := s.Janitor.SweepOrphans(ctx, s.Config.OrphanGrace); err != nil {
		s.Log.Errorf("orphan sweep: %v", err)
	}
	purged, err := s.Janitor.PurgeStale(ctx, s.Config.Retention)
	if err != nil {
		s.Log.Errorf("retention purge: %v", err)
	}
	if len(purged) > 0 {
		s.Log.Infof("retention purged %d experiments", len(purged))
	}
}

func (s *Sweeper) relay(ctx context.Context) {
	if s.Relay == nil {
		return
	}
	if _, err := s.Relay.RunOnce(ctx); err != nil {
		s.Log.Warnf("relay: %v", err)
	}
}

// Scheduler owns the gocron scheduler running the jobs.
type Scheduler struct {
	sched gocron.Scheduler
}

// Start schedules the relay every RelayInterval and the sweeps every
// SweepInterval, both starting immediately. A zero interval disables the job.
func Start(ctx context.Context, s *Sweeper) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	jobs := []struct {
		name  string
		every time.Duration
		fn    func(context.Context)
	}{
		{"relay", s.Config.RelayInterval, s.relay},
		{"sweep", s.Config.SweepInterval, s.sweep},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		fn := j.fn
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { fn(ctx) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			sched.Shutdown()
			return nil, err
		}
		s.Log.Debugf("housekeeping: %s every %s", j.name, j.every)
	}
	sched.Start()
	return &Scheduler{sched: sched}, nil
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
