package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Job struct {
	Name     string
	Schedule string
	Run      func()
}

// Scheduler runs background jobs (rate refresh, settlement reconciliation) on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

func New(jobs ...Job) *Scheduler {
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		jobs: jobs,
	}
}

// Start registers the jobs and starts the scheduler. A job with a bad schedule is
// logged and skipped; the count of registered jobs is returned.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		if _, err := s.cron.AddFunc(job.Schedule, job.Run); err != nil {
			logrus.WithField("job", job.Name).Errorf("failed to schedule job: %s", err)
			continue
		}
		logrus.WithFields(logrus.Fields{"job": job.Name, "schedule": job.Schedule}).Info("scheduled job")
		registered++
	}
	s.cron.Start()
	return registered
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
