// Package cron runs the gateway's periodic jobs: the mining pass, the
// retention sweep and any user-scheduled announcements. Jobs are kept in a
// JSON file so schedules survive restarts.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Handler executes one job and returns a short result for the job state.
type Handler func(ctx context.Context, job CronJob) (string, error)

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Service struct {
	storePath string
	logger    zerolog.Logger

	mu       sync.Mutex
	jobs     []CronJob
	OnJob    Handler
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService(storePath string, logger zerolog.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logger,
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

// ValidateSchedule reports whether s can be scheduled.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case KindCron:
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Str("path", s.storePath).Msg("load jobs failed")
	}

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Int("jobs", n).Msg("cron started")

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
		s.logger.Error().Err(err).Str("job", job.Name).Str("expr", job.Schedule.Expr).Msg("register job")
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) executeJob(job CronJob) {
	s.mu.Lock()
	ctx := s.runCtx
	handler := s.OnJob
	s.mu.Unlock()

	log := s.logger.With().Str("job", job.Name).Str("id", job.ID).Logger()
	if handler == nil {
		log.Warn().Msg("no job handler set")
		return
	}

	log.Debug().Msg("executing job")
	result, err := handler(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			st.LastResult = ""
			log.Error().Err(err).Msg("job failed")
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			st.LastResult = truncate(result, 200)
			log.Info().Str("result", truncate(result, 100)).Msg("job done")
		}

		if s.jobs[i].DeleteAfterRun {
			if entryID, ok := s.entryMap[job.ID]; ok && s.cron != nil {
				s.cron.Remove(entryID)
				delete(s.entryMap, job.ID)
			}
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		log.Warn().Err(err).Msg("save jobs")
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.due(time.Now().UnixMilli()) {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// due collects the every/at jobs whose time has come. One-shot jobs are
// disabled before they run so a slow handler cannot fire them twice.
func (s *Service) due(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				job.State.LastRunAtMs = now
				out = append(out, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				job.Enabled = false
				out = append(out, *job)
			}
		}
	}
	return out
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
			s.logger.Warn().Msg("stop timed out waiting for running jobs")
		}
	}
	s.logger.Info().Msg("cron stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}

	return &job, nil
}

// EnsureJob keeps exactly one job called name with the given schedule and
// payload. An existing job whose schedule changed is replaced.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	s.mu.Lock()
	var existing *CronJob
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job := s.jobs[i]
			existing = &job
			break
		}
	}
	s.mu.Unlock()

	if existing != nil {
		if existing.Schedule == schedule && existing.Payload == payload {
			return existing, nil
		}
		s.RemoveJob(existing.ID)
	}
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID != id {
			continue
		}
		if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
			s.cron.Remove(entryID)
			delete(s.entryMap, id)
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		if err := s.save(); err != nil {
			s.logger.Warn().Err(err).Msg("save jobs")
		}
		return true
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
		if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
			entryID, registered := s.entryMap[id]
			switch {
			case enabled && !registered:
				s.registerJob(&s.jobs[i])
			case !enabled && registered:
				s.cron.Remove(entryID)
				delete(s.entryMap, id)
			}
		}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse %s: %w", s.storePath, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		known[j.ID] = true
	}
	for _, j := range jobs {
		if !known[j.ID] {
			s.jobs = append(s.jobs, j)
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.storePath)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
