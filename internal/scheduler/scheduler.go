// SPDX-License-Identifier: AGPL-3.0-only
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BiproDe/AKS-AI-Agent/internal/config"
	"github.com/BiproDe/AKS-AI-Agent/internal/errors"
	"github.com/BiproDe/AKS-AI-Agent/internal/logging"
	"github.com/BiproDe/AKS-AI-Agent/internal/model"
)

// Scheduler runs report jobs on their cron schedules.
type Scheduler struct {
	cron      *cron.Cron
	parser    cron.Parser
	jobs      map[string]*model.ReportJob
	entryIDs  map[string]cron.EntryID
	mu        sync.RWMutex
	jobRunner model.JobRunner
	jobStore  model.JobStore
	config    *config.SchedulerConfig
	logger    *logging.Logger
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *config.SchedulerConfig) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		parser:   parser,
		jobs:     make(map[string]*model.ReportJob),
		entryIDs: make(map[string]cron.EntryID),
		config:   cfg,
		logger:   logging.GetDefaultLogger(),
	}
}

// Start begins the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()

	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.logger.Errorf("Error stopping scheduler: %v", err)
		}
	}()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	<-s.cron.Stop().Done()
	return nil
}

// SetLogger sets the scheduler logger.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l != nil {
		s.logger = l
	}
}

// SetJobRunner sets the runner used to execute jobs
func (s *Scheduler) SetJobRunner(runner model.JobRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobRunner = runner
}

// SetJobStore sets the store used for job persistence
func (s *Scheduler) SetJobStore(store model.JobStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobStore = store
}

// NewJob creates a job from its configuration.
func NewJob(rj config.ReportJob) *model.ReportJob {
	now := time.Now()
	job := &model.ReportJob{
		Name:      rj.Name,
		Schedule:  rj.Schedule,
		Prompt:    rj.Prompt,
		Enabled:   rj.Enabled,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !job.Enabled {
		job.Status = model.JobDisabled
	}
	return job
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *model.ReportJob) error {
	if job.Name == "" {
		return errors.InvalidInput("report job name is required")
	}
	if job.Prompt == "" {
		return errors.InvalidInput(fmt.Sprintf("report job %s has no prompt", job.Name))
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return errors.InvalidInput(fmt.Sprintf("report job %s: invalid schedule %q: %v", job.Name, job.Schedule, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return errors.AlreadyExists("report job", job.Name)
	}

	if s.jobStore != nil {
		if err := s.jobStore.SaveJob(job); err != nil {
			return fmt.Errorf("persist report job: %w", err)
		}
	}

	s.jobs[job.Name] = job

	if job.Enabled {
		if err := s.scheduleJob(job); err != nil {
			job.Status = model.JobFailed
			return err
		}
	}

	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; !exists {
		return errors.NotFound("report job", name)
	}

	if s.jobStore != nil {
		if err := s.jobStore.DeleteJob(name); err != nil {
			return fmt.Errorf("delete report job from store: %w", err)
		}
	}

	s.unscheduleJob(name)
	delete(s.jobs, name)

	return nil
}

// EnableJob enables a disabled job
func (s *Scheduler) EnableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NotFound("report job", name)
	}
	if job.Enabled {
		return nil
	}

	job.Enabled = true
	job.Status = model.JobPending
	job.UpdatedAt = time.Now()

	if s.jobStore != nil {
		if err := s.jobStore.UpdateJob(job); err != nil {
			job.Enabled = false
			job.Status = model.JobDisabled
			return fmt.Errorf("persist report job enable: %w", err)
		}
	}

	if err := s.scheduleJob(job); err != nil {
		job.Status = model.JobFailed
		return err
	}

	return nil
}

// DisableJob disables a job without removing it
func (s *Scheduler) DisableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NotFound("report job", name)
	}
	if !job.Enabled {
		return nil
	}

	s.unscheduleJob(name)

	job.Enabled = false
	job.Status = model.JobDisabled
	job.NextRun = time.Time{}
	job.UpdatedAt = time.Now()

	if s.jobStore != nil {
		if err := s.jobStore.UpdateJob(job); err != nil {
			return fmt.Errorf("persist report job disable: %w", err)
		}
	}

	return nil
}

// GetJob returns a snapshot of the named job.
func (s *Scheduler) GetJob(name string) (*model.ReportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[name]
	if !exists {
		return nil, errors.NotFound("report job", name)
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns snapshots of all jobs ordered by name.
func (s *Scheduler) ListJobs() []*model.ReportJob {
	s.mu.RLock()
	jobs := make([]*model.ReportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// LoadJobs restores persisted jobs and then adds configured jobs that are
// not persisted yet. Call it after SetJobRunner so enabled jobs can be
// scheduled.
func (s *Scheduler) LoadJobs() error {
	if s.jobStore != nil {
		jobs, err := s.jobStore.LoadJobs()
		if err != nil {
			return fmt.Errorf("load report jobs from store: %w", err)
		}

		s.mu.Lock()
		for _, job := range jobs {
			if _, exists := s.jobs[job.Name]; exists {
				continue
			}
			s.jobs[job.Name] = job
			if job.Enabled {
				if err := s.scheduleJob(job); err != nil {
					job.Status = model.JobFailed
					s.logger.Warnf("Failed to schedule persisted report job %s: %v", job.Name, err)
				}
			}
		}
		s.mu.Unlock()
	}

	if s.config == nil {
		return nil
	}
	for _, rj := range s.config.Reports {
		s.mu.RLock()
		_, exists := s.jobs[rj.Name]
		s.mu.RUnlock()
		if exists {
			continue
		}
		if err := s.AddJob(NewJob(rj)); err != nil {
			return fmt.Errorf("add configured report job %s: %w", rj.Name, err)
		}
	}
	return nil
}

// RunNow runs the named job immediately and returns the id of the session
// that served it.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return "", errors.NotFound("report job", name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job *model.ReportJob) (string, error) {
	s.mu.Lock()
	runner := s.jobRunner
	if runner == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("cannot run report job %s: no job runner set", job.Name)
	}
	if job.Status == model.JobRunning {
		s.mu.Unlock()
		return "", errors.InvalidInput(fmt.Sprintf("report job %s is already running", job.Name))
	}
	job.LastRun = time.Now()
	job.Status = model.JobRunning
	s.mu.Unlock()

	var timeout time.Duration
	if s.config != nil {
		timeout = s.config.DefaultTimeout
	}
	s.logger.Infof("Running report job %s", job.Name)
	sessionID, err := runner.RunJob(ctx, job, timeout)

	s.mu.Lock()
	if err != nil {
		job.Status = model.JobFailed
		s.logger.Warnf("Report job %s failed: %v", job.Name, err)
	} else {
		job.Status = model.JobCompleted
		s.logger.Infof("Report job %s completed in session %s", job.Name, sessionID)
	}
	if sessionID != "" {
		job.LastSessionID = sessionID
	}
	job.UpdatedAt = time.Now()
	s.updateNextRunTime(job)
	store := s.jobStore
	_, stillExists := s.jobs[job.Name]
	s.mu.Unlock()

	if store != nil && stillExists {
		if uerr := store.UpdateJob(job); uerr != nil {
			s.logger.Warnf("Failed to persist report job %s: %v", job.Name, uerr)
		}
	}
	return sessionID, err
}

// scheduleJob adds a job to cron. The caller holds s.mu.
func (s *Scheduler) scheduleJob(job *model.ReportJob) error {
	if s.jobRunner == nil {
		return fmt.Errorf("cannot schedule report job: no job runner set")
	}

	jobFunc := func() {
		// The job may have been removed between dispatch and execution.
		s.mu.RLock()
		_, exists := s.jobs[job.Name]
		s.mu.RUnlock()
		if !exists {
			return
		}
		_, _ = s.execute(context.Background(), job)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, jobFunc)
	if err != nil {
		return fmt.Errorf("failed to schedule report job: %w", err)
	}

	s.entryIDs[job.Name] = entryID
	s.updateNextRunTime(job)

	return nil
}

func (s *Scheduler) unscheduleJob(name string) {
	if entryID, exists := s.entryIDs[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entryIDs, name)
	}
}

// updateNextRunTime copies the next activation time from cron. Before cron
// is started it is computed from the entry's schedule.
func (s *Scheduler) updateNextRunTime(job *model.ReportJob) {
	entryID, exists := s.entryIDs[job.Name]
	if !exists {
		return
	}
	entry := s.cron.Entry(entryID)
	if entry.Next.IsZero() && entry.Schedule != nil {
		job.NextRun = entry.Schedule.Next(time.Now())
		return
	}
	job.NextRun = entry.Next
}
