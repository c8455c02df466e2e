package monitoring

import "errors"

var (
	// ErrIdle indicates the engine is waiting for an explicit apply.
	ErrIdle = errors.New("monitoring: aguardando aplicacao")
	// ErrForbiddenTopic indicates a publish attempt on a monitored topic.
	ErrForbiddenTopic = errors.New("monitoring: publish on monitored topic forbidden")
	// ErrInvalidPassword indicates a privileged operation was refused.
	ErrInvalidPassword = errors.New("monitoring: invalid password")
	// ErrInvalidPivotID indicates a pivot id outside the naming grammar.
	ErrInvalidPivotID = errors.New("monitoring: invalid pivot id")
	// ErrPivotNotFound indicates an unknown pivot.
	ErrPivotNotFound = errors.New("monitoring: pivot not found")
	// ErrRunNotFound indicates an unknown monitoring run.
	ErrRunNotFound = errors.New("monitoring: run not found")
	// ErrSessionNotFound indicates an unknown monitoring session.
	ErrSessionNotFound = errors.New("monitoring: session not found")
	// ErrNoActiveRun indicates that no run is active.
	ErrNoActiveRun = errors.New("monitoring: no active run")
)
