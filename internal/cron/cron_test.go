package cron

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	return NewService(path, zerolog.Nop()), path
}

func TestNewCronJob(t *testing.T) {
	job := NewCronJob("mine", Schedule{Kind: KindCron, Expr: "0 0 4 * * *"}, Payload{Task: "mine"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.Payload.Task != "mine" || job.CreatedAtMs == 0 {
		t.Errorf("job = %+v", job)
	}
	if other := NewCronJob("mine", job.Schedule, job.Payload); other.ID == job.ID {
		t.Error("IDs must be unique")
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		s  Schedule
		ok bool
	}{
		{Schedule{Kind: KindCron, Expr: "0 30 4 * * 0"}, true},
		{Schedule{Kind: KindCron, Expr: "@daily"}, true},
		{Schedule{Kind: KindCron, Expr: "invalid"}, false},
		{Schedule{Kind: KindEvery, EveryMs: 1000}, true},
		{Schedule{Kind: KindEvery}, false},
		{Schedule{Kind: KindAt, AtMs: 1}, true},
		{Schedule{Kind: KindAt}, false},
		{Schedule{Kind: "weekly"}, false},
	}
	for _, tt := range tests {
		if err := ValidateSchedule(tt.s); (err == nil) != tt.ok {
			t.Errorf("ValidateSchedule(%+v) = %v, want ok=%v", tt.s, err, tt.ok)
		}
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	s, path := newService(t)

	job, err := s.AddJob("job1", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "tick"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}
	if jobs := s.ListJobs(); len(jobs) != 1 || jobs[0].Name != "job1" {
		t.Fatalf("jobs = %+v", jobs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored jobs = %d, want 1", len(stored))
	}

	if _, err := s.AddJob("bad", Schedule{Kind: KindCron, Expr: "nope"}, Payload{}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestService_RemoveJob(t *testing.T) {
	s, _ := newService(t)
	job, _ := s.AddJob("rm-test", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s, _ := newService(t)
	job, _ := s.AddJob("toggle", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil || updated.Enabled {
		t.Fatalf("EnableJob(false) = %+v, %v", updated, err)
	}
	updated, err = s.EnableJob(job.ID, true)
	if err != nil || !updated.Enabled {
		t.Fatalf("EnableJob(true) = %+v, %v", updated, err)
	}
	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_EnsureJob(t *testing.T) {
	s, _ := newService(t)
	daily := Schedule{Kind: KindCron, Expr: "0 0 4 * * *"}

	first, err := s.EnsureJob("learn:mine", daily, Payload{Task: "mine"})
	if err != nil {
		t.Fatalf("EnsureJob error: %v", err)
	}
	again, err := s.EnsureJob("learn:mine", daily, Payload{Task: "mine"})
	if err != nil || again.ID != first.ID {
		t.Fatalf("EnsureJob should keep the existing job: %+v, %v", again, err)
	}

	hourly := Schedule{Kind: KindCron, Expr: "0 0 * * * *"}
	moved, err := s.EnsureJob("learn:mine", hourly, Payload{Task: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].ID != moved.ID || jobs[0].Schedule != hourly {
		t.Errorf("jobs after reschedule = %+v", jobs)
	}
}

func TestService_StartStop(t *testing.T) {
	s, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	s.Stop()
	s.Stop()
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s, _ := newService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_Stop_StopsTickLoop(t *testing.T) {
	s, _ := newService(t)

	var executeCount atomic.Int32
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		executeCount.Add(1)
		return "ok", nil
	}

	job := NewCronJob("manual-stop", Schedule{Kind: KindEvery, EveryMs: 100}, Payload{Message: "tick"})
	job.State.LastRunAtMs = time.Now().UnixMilli() - 200
	s.jobs = append(s.jobs, job)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for executeCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if executeCount.Load() == 0 {
		t.Fatal("expected at least one tick execution before Stop")
	}

	s.Stop()
	countAfterStop := executeCount.Load()
	time.Sleep(1300 * time.Millisecond)

	if got := executeCount.Load(); got != countAfterStop {
		t.Fatalf("tick loop kept running after Stop: %d -> %d", countAfterStop, got)
	}
}

func TestService_Persistence(t *testing.T) {
	s1, path := newService(t)
	s1.AddJob("persist1", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "p1"})
	s1.AddJob("persist2", Schedule{Kind: KindEvery, EveryMs: 2000}, Payload{Message: "p2"})

	s2 := NewService(path, zerolog.Nop())
	if err := s2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()

	if jobs := s2.ListJobs(); len(jobs) != 2 {
		t.Fatalf("expected 2 persisted jobs, got %d", len(jobs))
	}
}

func TestService_Start_NoDuplicateAfterReload(t *testing.T) {
	s, _ := newService(t)
	s.AddJob("once", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Message: "x"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if n := len(s.ListJobs()); n != 1 {
		t.Errorf("jobs after start = %d, want 1", n)
	}
}

func TestService_ExecuteJob_WithHandler(t *testing.T) {
	s, _ := newService(t)

	var received CronJob
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		received = job
		return "promoted 2 phrases", nil
	}

	job, _ := s.AddJob("exec-test", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Task: "mine"})
	s.executeJob(*job)

	if received.Name != "exec-test" {
		t.Errorf("job name = %q, want exec-test", received.Name)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" || jobs[0].State.LastResult != "promoted 2 phrases" {
		t.Errorf("state = %+v", jobs[0].State)
	}
}

func TestService_ExecuteJob_NoHandler(t *testing.T) {
	s, _ := newService(t)
	job, _ := s.AddJob("no-handler", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})
	s.executeJob(*job)
	if st := s.ListJobs()[0].State; st.LastStatus != "" {
		t.Errorf("state = %+v, want untouched", st)
	}
}

func TestService_ExecuteJob_HandlerError(t *testing.T) {
	s, _ := newService(t)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		return "", errors.New("handler error")
	}

	job, _ := s.AddJob("error-test", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Message: "x"})
	s.executeJob(*job)

	st := s.ListJobs()[0].State
	if st.LastStatus != "error" || st.LastError != "handler error" {
		t.Errorf("state = %+v", st)
	}
}

func TestService_ExecuteJob_DeleteAfterRun(t *testing.T) {
	s, _ := newService(t)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		return "done", nil
	}

	job := NewCronJob("delete-me", Schedule{Kind: KindAt, AtMs: time.Now().UnixMilli()}, Payload{Message: "x"})
	job.DeleteAfterRun = true
	s.jobs = append(s.jobs, job)

	s.executeJob(job)

	if jobs := s.ListJobs(); len(jobs) != 0 {
		t.Errorf("job should be deleted after run, got %d jobs", len(jobs))
	}
}

func TestService_Due(t *testing.T) {
	s, _ := newService(t)
	now := time.Now().UnixMilli()

	every := NewCronJob("every", Schedule{Kind: KindEvery, EveryMs: 100}, Payload{})
	every.State.LastRunAtMs = now - 200
	at := NewCronJob("at", Schedule{Kind: KindAt, AtMs: now}, Payload{})
	later := NewCronJob("later", Schedule{Kind: KindAt, AtMs: now + 60000}, Payload{})
	s.jobs = append(s.jobs, every, at, later)

	if due := s.due(now); len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	// every was just stamped and at is now disabled
	if due := s.due(now + 50); len(due) != 0 {
		t.Errorf("second due = %+v", due)
	}
}

func TestService_TickLoop_AtSchedule(t *testing.T) {
	s, _ := newService(t)

	var executed atomic.Bool
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		executed.Store(true)
		return "at-job", nil
	}
	s.jobs = append(s.jobs, NewCronJob("at-job", Schedule{Kind: KindAt, AtMs: time.Now().UnixMilli()}, Payload{Message: "at"}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(1500 * time.Millisecond)
	cancel()
	s.Stop()

	if !executed.Load() {
		t.Error("at-scheduled job was not executed")
	}
}

func TestService_HandlerGetsRunContext(t *testing.T) {
	s, _ := newService(t)

	done := make(chan error, 1)
	s.OnJob = func(ctx context.Context, job CronJob) (string, error) {
		select {
		case done <- ctx.Err():
		default:
		}
		return "", nil
	}
	job := NewCronJob("ctx", Schedule{Kind: KindEvery, EveryMs: 100}, Payload{})
	s.jobs = append(s.jobs, job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("handler context already done: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestService_CronJobWithInvalidExpr(t *testing.T) {
	s, path := newService(t)

	jobs := []CronJob{{
		ID:       "bad-cron",
		Name:     "invalid-cron",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "invalid"},
	}}
	data, _ := json.MarshalIndent(jobs, "", "  ")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, data, 0644)

	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start should not error on invalid cron: %v", err)
	}
	defer s.Stop()
	if len(s.entryMap) != 0 {
		t.Errorf("invalid job registered: %d entries", len(s.entryMap))
	}
}

func TestService_RegisterCronJob_FromFile(t *testing.T) {
	s, path := newService(t)

	jobs := []CronJob{{
		ID:       "valid-cron",
		Name:     "valid-cron-job",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "0 0 * * * *"},
		Payload:  Payload{Task: "mine"},
	}}
	data, _ := json.MarshalIndent(jobs, "", "  ")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, data, 0644)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	if len(s.entryMap) != 1 {
		t.Errorf("expected 1 entry in entryMap, got %d", len(s.entryMap))
	}
}

func TestService_EnableJob_CronToggleUpdatesEntryMap(t *testing.T) {
	s, _ := newService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("toggle-cron", Schedule{Kind: KindCron, Expr: "*/5 * * * * *"}, Payload{Message: "x"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if len(s.entryMap) != 1 {
		t.Fatalf("expected 1 cron entry after add, got %d", len(s.entryMap))
	}

	if _, err := s.EnableJob(job.ID, false); err != nil {
		t.Fatal(err)
	}
	if len(s.entryMap) != 0 {
		t.Fatalf("expected 0 cron entries after disable, got %d", len(s.entryMap))
	}

	if _, err := s.EnableJob(job.ID, true); err != nil {
		t.Fatal(err)
	}
	if len(s.entryMap) != 1 {
		t.Fatalf("expected 1 cron entry after enable, got %d", len(s.entryMap))
	}

	if !s.RemoveJob(job.ID) || len(s.entryMap) != 0 {
		t.Errorf("remove left %d entries", len(s.entryMap))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"this is a long message", 10, "this is a ..."},
		{"привет мир", 6, "привет..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
