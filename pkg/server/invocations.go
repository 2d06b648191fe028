package server

import (
	"context"
	"strings"
	"sync"
	"time"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/google/uuid"
)

var invocationLog = logger.New("server:invocations")

// invocationState is the lifecycle of one async tool invocation.
type invocationState string

const (
	invocationRunning   invocationState = "running"
	invocationCompleted invocationState = "completed"
	invocationCancelled invocationState = "cancelled"
)

// invocation is one POST /tool_invocations job. Results are held in memory
// until process exit; there is no durable queue.
type invocation struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	State     invocationState `json:"state"`
	Result    any             `json:"result,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`

	cancel context.CancelFunc
}

type invocationTracker struct {
	mu   sync.Mutex
	jobs map[string]*invocation
}

func newInvocationTracker() *invocationTracker {
	return &invocationTracker{jobs: make(map[string]*invocation)}
}

// start launches the dispatch in its own goroutine and returns the job
// record immediately. The job context is detached from the HTTP request so
// the invocation survives the POST returning.
func (t *invocationTracker) start(reg *registry.Registry, tool string, args any, info registry.RequestInfo, opts registry.DispatchOptions) *invocation {
	ctx, cancel := context.WithCancel(registry.WithRequestInfo(context.Background(), info))
	job := &invocation{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Tool:      tool,
		State:     invocationRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	invocationLog.Printf("invocation_start id=%s tool=%s", job.ID, tool)
	go func() {
		defer cancel()
		result := reg.Dispatch(ctx, tool, args, opts)

		t.mu.Lock()
		defer t.mu.Unlock()
		now := time.Now()
		job.EndedAt = &now
		job.Result = result
		if env, ok := result.(brokererrors.Envelope); ok && env.Status == "cancelled" {
			job.State = invocationCancelled
		} else {
			job.State = invocationCompleted
		}
		invocationLog.Printf("invocation_end id=%s tool=%s state=%s", job.ID, tool, job.State)
	}()
	return job
}

// get returns a snapshot of the job, copied under the lock.
func (t *invocationTracker) get(id string) (invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return invocation{}, false
	}
	return *job, true
}

// cancelJob signals the job's context. A completed job is left untouched.
func (t *invocationTracker) cancelJob(id string) (invocation, bool) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return invocation{}, false
	}
	running := job.State == invocationRunning
	snapshot := *job
	t.mu.Unlock()

	if running {
		invocationLog.Printf("invocation_cancel id=%s tool=%s", id, job.Tool)
		job.cancel()
	}
	return snapshot, true
}
