package procession

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Builder assembles an ordered activity list closed over one shared payload
// and produces a Process, either fresh or resumed from a persisted snapshot.
// Pure assembly; no concurrency lives here.
type Builder struct {
	payload    interface{}
	activities []Activity
}

func NewBuilder(payload interface{}) *Builder {
	return &Builder{
		payload:    payload,
		activities: make([]Activity, 0),
	}
}

// Add appends an activity built from two funcs.
func (b *Builder) Add(execute, compensate func(ctx ActivityContext) error) *Builder {
	b.activities = append(b.activities, NewActivity(execute, compensate))
	return b
}

// AddActivity appends an activity.
func (b *Builder) AddActivity(a Activity) *Builder {
	b.activities = append(b.activities, a)
	return b
}

// Build constructs a process bound to a brand-new state.
func (b *Builder) Build(ctx context.Context, opts ...ProcessOption) (*Process, error) {
	return b.load(ctx, NewProcessState(), opts...)
}

// Load constructs a process resumed from a previously emitted state. The
// state is adopted by reference: loading the same *ProcessState into two
// instances makes them the same process, sharing progress and serialized by
// the identity lock. Resume from a stored snapshot by cloning it first.
func (b *Builder) Load(ctx context.Context, state *ProcessState, opts ...ProcessOption) (*Process, error) {
	if state == nil {
		return nil, errors.Join(ErrStateCorrupted, errors.New("state is nil"))
	}
	if state.ID == uuid.Nil {
		return nil, errors.Join(ErrStateCorrupted, errors.New("state has no id"))
	}
	if state.CompletedCount < 0 || state.CompletedCount > len(b.activities) {
		return nil, errors.Join(ErrStateMismatch, fmt.Errorf("completed count %d with %d activities", state.CompletedCount, len(b.activities)))
	}
	if state.CompensationCursor < -1 || state.CompensationCursor > len(b.activities) {
		return nil, errors.Join(ErrStateMismatch, fmt.Errorf("compensation cursor %d with %d activities", state.CompensationCursor, len(b.activities)))
	}
	return b.load(ctx, state, opts...)
}

func (b *Builder) load(ctx context.Context, state *ProcessState, opts ...ProcessOption) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := processConfig{
		logger:      logger,
		granularity: tickGranularity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	activities := make([]Activity, len(b.activities))
	copy(activities, b.activities)

	p := newProcess(ctx, state, activities, b.payload, cfg)
	p.logger.Debug(ctx, "process built", "process.id", state.ID, "process.status", state.Status, "process.activities", len(activities))
	return p, nil
}
