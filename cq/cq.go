// Package cq is a minimal command/query dispatcher for hosts embedding the
// engine: handlers are registered by name and invoked by lookup, typically
// to turn an incoming request into a freshly built process. No saga
// semantics live here.
package cq

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

var (
	ErrHandlerExists   = errors.New("handler already registered")
	ErrHandlerNotFound = errors.New("handler not found")
)

// HandlerFunc handles one command or query.
type HandlerFunc func(ctx context.Context, payload interface{}) (interface{}, error)

type Dispatcher struct {
	mu       deadlock.RWMutex
	commands map[string]HandlerFunc
	queries  map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		commands: make(map[string]HandlerFunc),
		queries:  make(map[string]HandlerFunc),
	}
}

func (d *Dispatcher) RegisterCommand(name string, h HandlerFunc) error {
	return d.register(d.commands, name, h)
}

func (d *Dispatcher) RegisterQuery(name string, h HandlerFunc) error {
	return d.register(d.queries, name, h)
}

func (d *Dispatcher) register(m map[string]HandlerFunc, name string, h HandlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := m[name]; ok {
		return errors.Join(ErrHandlerExists, fmt.Errorf("%q", name))
	}
	m[name] = h
	return nil
}

// Send routes a command to its handler.
func (d *Dispatcher) Send(ctx context.Context, name string, payload interface{}) (interface{}, error) {
	return d.dispatch(ctx, d.commands, name, payload)
}

// Ask routes a query to its handler.
func (d *Dispatcher) Ask(ctx context.Context, name string, payload interface{}) (interface{}, error) {
	return d.dispatch(ctx, d.queries, name, payload)
}

func (d *Dispatcher) dispatch(ctx context.Context, m map[string]HandlerFunc, name string, payload interface{}) (interface{}, error) {
	d.mu.RLock()
	h, ok := m[name]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.Join(ErrHandlerNotFound, fmt.Errorf("%q", name))
	}
	return h(ctx, payload)
}
