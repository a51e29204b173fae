package cq

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcherSend(t *testing.T) {
	d := NewDispatcher()

	if err := d.RegisterCommand("add", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return payload.(int) + 1, nil
	}); err != nil {
		t.Fatal(err)
	}

	out, err := d.Send(context.Background(), "add", 41)
	if err != nil {
		t.Fatal(err)
	}
	if out.(int) != 42 {
		t.Fatalf("expected 42 got %v", out)
	}
}

func TestDispatcherDuplicate(t *testing.T) {
	d := NewDispatcher()
	h := func(ctx context.Context, payload interface{}) (interface{}, error) { return nil, nil }

	if err := d.RegisterQuery("status", h); err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterQuery("status", h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists got %v", err)
	}
}

func TestDispatcherNotFound(t *testing.T) {
	d := NewDispatcher()
	if _, err := d.Ask(context.Background(), "missing", nil); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound got %v", err)
	}
}

func TestCommandsAndQueriesSeparate(t *testing.T) {
	d := NewDispatcher()
	if err := d.RegisterCommand("ping", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return "pong", nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Ask(context.Background(), "ping", nil); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("command must not be reachable as query, got %v", err)
	}
}
