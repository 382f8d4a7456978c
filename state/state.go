package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Module is a controller component with a managed lifecycle.
type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the dispatch goroutine.
type State struct {
	*Env
	Modules map[string]Module
	// ModuleOrder records init order; cleanup runs in reverse.
	ModuleOrder []string
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	CentralCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
	Bus     *Hub

	Started  atomic.Bool
	Stopping atomic.Bool
}

// Emit publishes an outbound event. Safe from any goroutine.
func (e *Env) Emit(ev Event) {
	e.Bus.Publish(ev)
}
