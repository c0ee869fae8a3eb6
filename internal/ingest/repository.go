package ingest

import (
	"context"
	"sort"
	"sync"
	"time"
)

type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	// ListUnfinished returns runs that have not reached a terminal status.
	ListUnfinished(ctx context.Context) ([]Run, error)
	// ClaimRun hands an unfinished run to owner when nobody holds it or its
	// holder's heartbeat is older than staleBefore. It reports whether the
	// claim succeeded. UpdateRun never changes ownership.
	ClaimRun(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error)
	// Heartbeat refreshes every unfinished run held by owner.
	Heartbeat(ctx context.Context, owner string, now time.Time) error
}

// MemoryRunRepo keeps runs in process memory.
type MemoryRunRepo struct {
	mu   sync.RWMutex
	runs map[string]Run
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{runs: make(map[string]Run)}
}

func (r *MemoryRunRepo) CreateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(*run)
	return nil
}

func (r *MemoryRunRepo) UpdateRun(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	next := cloneRun(*run)
	next.Owner, next.HeartbeatAt = old.Owner, old.HeartbeatAt
	r.runs[run.ID] = next
	return nil
}

func (r *MemoryRunRepo) ClaimRun(_ context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status.Terminal() || run.Owner == owner {
		return false, nil
	}
	if run.Owner != "" && run.HeartbeatAt != nil && !run.HeartbeatAt.Before(staleBefore) {
		return false, nil
	}
	run.Owner = owner
	run.HeartbeatAt = &now
	r.runs[id] = run
	return true, nil
}

func (r *MemoryRunRepo) Heartbeat(_ context.Context, owner string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, run := range r.runs {
		if run.Owner == owner && !run.Status.Terminal() {
			at := now
			run.HeartbeatAt = &at
			r.runs[id] = run
		}
	}
	return nil
}

func (r *MemoryRunRepo) GetRun(_ context.Context, id string) (Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (r *MemoryRunRepo) ListRuns(_ context.Context, limit int) ([]Run, error) {
	return r.list(limit, func(Run) bool { return true }), nil
}

func (r *MemoryRunRepo) ListUnfinished(_ context.Context) ([]Run, error) {
	return r.list(0, func(run Run) bool { return !run.Status.Terminal() }), nil
}

func (r *MemoryRunRepo) list(limit int, keep func(Run) bool) []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		if keep(run) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneRun(run Run) Run {
	if run.Report != nil {
		rep := *run.Report
		rep.Errors = append([]RowFailure(nil), run.Report.Errors...)
		run.Report = &rep
	}
	return run
}
