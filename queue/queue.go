// Package queue carries job tasks from ingress to the worker pool.
package queue

import (
	"context"
	"errors"
)

var (
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// Task identifies the job a worker should run. Upload jobs also name the received file.
type Task struct {
	JobID     string `json:"job_id"`
	InputPath string `json:"input_path,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

type Queue interface {
	Push(ctx context.Context, t Task) error
	// Pop blocks until a task is available or ctx is done.
	Pop(ctx context.Context) (Task, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Memory is a buffered channel; Push fails fast with ErrFull instead of blocking the caller.
type Memory struct {
	tasks  chan Task
	closed chan struct{}
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 100
	}
	return &Memory{tasks: make(chan Task, size), closed: make(chan struct{})}
}

func (m *Memory) Push(ctx context.Context, t Task) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrFull
	}
}

func (m *Memory) Pop(ctx context.Context) (Task, error) {
	select {
	case t := <-m.tasks:
		return t, nil
	case <-m.closed:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (m *Memory) Len(context.Context) (int, error) { return len(m.tasks), nil }

func (m *Memory) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}
