package app

import (
	"context"
	"time"

	"salesops/internal/config"
	"salesops/pkg/logx"
)

const (
	JobPostVisit = "post_visit"
	JobAgenda    = "agenda"
	JobPrune     = "pending_prune"
)

// defaultSchedules apply when a job has no entry under scheduler.jobs.
var defaultSchedules = map[string]string{
	JobPostVisit: "*/2 * * * *",
	JobAgenda:    "0 8 * * 1-6",
	JobPrune:     "1h",
}

var defaultTimeouts = map[string]time.Duration{
	JobPostVisit: 90 * time.Second,
	JobAgenda:    5 * time.Minute,
	JobPrune:     5 * time.Minute,
}

func (a *App) jobFuncs() map[string]func(ctx context.Context) error {
	return map[string]func(ctx context.Context) error{
		JobPostVisit: func(ctx context.Context) error {
			rep, err := a.postVisit.Load().Run(ctx)
			if rep.Triggered > 0 || err != nil {
				a.log.Info("post-visit run",
					logx.Int("candidates", rep.Candidates),
					logx.Int("triggered", rep.Triggered),
					logx.Int("skipped", rep.Skipped),
					logx.Err(err),
				)
			}
			return err
		},
		JobAgenda: func(ctx context.Context) error {
			n, err := a.booking.SendAgenda(ctx)
			a.log.Info("agenda sent", logx.Int("vendors", n), logx.Err(err))
			return err
		},
		JobPrune: func(ctx context.Context) error {
			n, err := a.dispatch.PruneExpired(ctx)
			if n > 0 {
				a.log.Info("expired pending entries pruned", logx.Int("keys", n))
			}
			return err
		},
	}
}

// registerJobs (re)registers every job from sc. Disabled jobs are removed.
func (a *App) registerJobs(sc config.SchedulerConfig) error {
	for name, fn := range a.jobFuncs() {
		if !sc.JobEnabled(name) {
			a.sched.Remove(name)
			continue
		}
		spec := defaultSchedules[name]
		timeout := defaultTimeouts[name]
		if jc, ok := sc.Jobs[name]; ok {
			if jc.Schedule != "" {
				spec = jc.Schedule
			}
			if d, err := config.ParseDurationField("scheduler.jobs."+name+".timeout", jc.Timeout); err != nil {
				return err
			} else if d > 0 {
				timeout = d
			}
		}
		if err := a.sched.Add(name, spec, timeout, fn); err != nil {
			return err
		}
	}
	return nil
}

// RunJob runs one job immediately, outside its schedule.
func (a *App) RunJob(ctx context.Context, name string) error {
	return a.sched.RunNow(ctx, name)
}
