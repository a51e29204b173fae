package procession

import "context"

// ActivityContext carries the cancellation scope of the current run plus the
// payload shared by every activity of one process. The engine never looks
// inside the payload.
type ActivityContext struct {
	ctx     context.Context
	payload interface{}
}

func (ac ActivityContext) Context() context.Context {
	return ac.ctx
}

func (ac ActivityContext) Done() <-chan struct{} {
	return ac.ctx.Done()
}

func (ac ActivityContext) Err() error {
	return ac.ctx.Err()
}

// Payload returns the object given to the builder. It is shared by reference
// across all activities of the process; the identity lock guarantees no two
// of them run at the same time, so no extra locking is needed as long as the
// payload is not handed to a different process.
func (ac ActivityContext) Payload() interface{} {
	return ac.payload
}

// Activity is one forward/compensate pair within a process. Compensate must
// tolerate being invoked for an activity whose Execute failed partway
// through: the rollback starts at the failing index, not below it.
type Activity interface {
	Execute(ctx ActivityContext) error
	Compensate(ctx ActivityContext) error
}

// FunctionActivity adapts two funcs into an Activity.
type FunctionActivity struct {
	executeFn    func(ctx ActivityContext) error
	compensateFn func(ctx ActivityContext) error
}

func NewActivity(execute, compensate func(ctx ActivityContext) error) *FunctionActivity {
	return &FunctionActivity{
		executeFn:    execute,
		compensateFn: compensate,
	}
}

func (a *FunctionActivity) Execute(ctx ActivityContext) error {
	if a.executeFn == nil {
		return nil
	}
	return a.executeFn(ctx)
}

func (a *FunctionActivity) Compensate(ctx ActivityContext) error {
	if a.compensateFn == nil {
		return nil
	}
	return a.compensateFn(ctx)
}
