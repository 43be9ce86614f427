//go:build no_scenario

package scenario

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"obc-harness/internal/harness"
)

// ErrDisabled is returned by every operation when scenarios are compiled
// out.
var ErrDisabled = errors.New("scenario: disabled at build time")

// ErrNotFound mirrors the sentinel of the real manager.
var ErrNotFound = errors.New("scenario: not found")

// Config configures an Engine (stub).
type Config struct {
	Timeout        time.Duration
	RestartBetween bool
}

// Result is the outcome of one scenario run.
type Result struct {
	Script   string   `json:"script"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when scenarios are disabled.
type Manager struct{}

// NewManager returns a nil manager when scenarios are disabled.
func NewManager(_ string) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// ListTagged returns nil.
func (m *Manager) ListTagged(_ string) ([]*Script, error) { return nil, nil }

// Get returns ErrDisabled.
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrDisabled }

// Save returns ErrDisabled.
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, ErrDisabled }

// Delete returns ErrDisabled.
func (m *Manager) Delete(_ string) error { return ErrDisabled }

// Engine is a no-op stub when scenarios are disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *harness.System, _ *Manager, _ *slog.Logger, _ Config) *Engine {
	return &Engine{}
}

// Manager returns nil.
func (e *Engine) Manager() *Manager { return nil }

// Run returns a failed result.
func (e *Engine) Run(_ context.Context, id string) *Result {
	return &Result{Script: id, Error: ErrDisabled.Error()}
}

// RunCode returns a failed result.
func (e *Engine) RunCode(_ context.Context, name, _ string) *Result {
	return &Result{Script: name, Error: ErrDisabled.Error()}
}

// RunAll returns ErrDisabled.
func (e *Engine) RunAll(_ context.Context) ([]*Result, error) { return nil, ErrDisabled }

// RunTagged returns ErrDisabled.
func (e *Engine) RunTagged(_ context.Context, _ string) ([]*Result, error) { return nil, ErrDisabled }

// Passed reports whether every result is OK.
func Passed(results []*Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}
