// Package cron schedules the daily digest and its one-shot retries.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"

	"github.com/elldeeone/rnd-digest/internal/logging"
)

var ErrJobNotFound = errors.New("job not found")

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     func(job CronJob) error
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
	tick      time.Duration
	now       func() time.Time
	log       *log.Logger
}

// NewService creates a scheduler persisting its jobs to storePath. An empty
// path keeps jobs in memory only.
func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
		tick:      time.Second,
		now:       time.Now,
		log:       logging.For("cron"),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	s.mu.Unlock()

	if err := s.load(); err != nil {
		s.log.Warn("failed to load jobs", "err", err)
	}

	c := rcron.New(rcron.WithParser(parser))

	s.mu.Lock()
	s.cron = c
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.log.Info("started", "jobs", count)

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		s.log.Error("failed to register job", "name", job.Name, "expr", job.Schedule.Expr, "err", err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job CronJob) {
	s.log.Info("executing job", "name", job.Name, "id", job.ID)

	if s.OnJob == nil {
		s.log.Warn("no OnJob handler set")
		return
	}

	err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = s.now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			s.log.Error("job failed", "name", job.Name, "err", err)
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
		}
		if s.jobs[i].DeleteAfterRun {
			s.unregister(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		s.log.Warn("failed to save jobs", "err", err)
	}
}

// unregister must be called with s.mu held.
func (s *Service) unregister(jobID string) {
	if entryID, ok := s.entryMap[jobID]; ok && s.cron != nil {
		s.cron.Remove(entryID)
		delete(s.entryMap, jobID)
	}
}

// tickLoop fires due one-shot jobs.
func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs() {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) dueJobs() []CronJob {
	now := s.now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.Enabled && job.Schedule.Kind == KindAt && job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
			job.Enabled = false
			due = append(due, *job)
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("stop timeout waiting for running jobs")
		}
	}
	s.log.Info("stopped")
}

func validate(schedule Schedule) error {
	switch schedule.Kind {
	case KindCron:
		if _, err := parser.Parse(schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", schedule.Expr, err)
		}
	case KindAt:
		if schedule.AtMs <= 0 {
			return fmt.Errorf("one-shot job needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validate(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if s.cron != nil && schedule.Kind == KindCron {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return &job, nil
}

// EnsureJob makes sure exactly one job called name exists with the given
// schedule, replacing a stale one left over from an earlier config.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	for _, job := range s.ListJobs() {
		if job.Name != name {
			continue
		}
		if job.Schedule == schedule && job.Payload == payload {
			return &job, nil
		}
		s.RemoveJob(job.ID)
	}
	return s.AddJob(name, schedule, payload)
}

// ScheduleOnce adds a job that fires once at the given time and is then
// removed.
func (s *Service) ScheduleOnce(name string, at time.Time, payload Payload) (*CronJob, error) {
	return s.AddJob(name, Schedule{Kind: KindAt, AtMs: at.UnixMilli()}, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregister(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.cron != nil && s.jobs[i].Schedule.Kind == KindCron {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregister(id)
			}
		}
		job := s.jobs[i]
		if err := s.save(); err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Next reports when the named cron job fires next.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Name != name || !job.Enabled || job.Schedule.Kind != KindCron {
			continue
		}
		sched, err := parser.Parse(job.Schedule.Expr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(s.now()), true
	}
	return time.Time{}, false
}

func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse jobs: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
