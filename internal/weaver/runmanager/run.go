// Package runmanager implements the RunManager (C7): per-run spawn/stop/
// recover and dependency injection into the clock, strategy runner, and
// simulator-or-adapter. Grounded on the teacher's
// internal/app/lambda/runtime.Manager (a RWMutex-guarded instance registry,
// Create/Start/Stop/Remove operations, an observe() goroutine watching each
// instance's error channel, persist/restore hooks for recovery) reduced
// from lambda-instance lifecycle to the run state machine §4.6 specifies.
package runmanager

import (
	"time"
)

// Mode is a run's execution mode.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// Status is a run's lifecycle status (§4.6 state machine).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// terminal reports whether status admits no further transitions.
func (s Status) terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// Run is the persisted record spec.md §3 describes.
type Run struct {
	ID            string
	StrategyID    string
	Mode          Mode
	Status        Status
	Symbols       []string
	Timeframe     string
	Config        map[string]any
	CreatedAt     time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
	BacktestStart *time.Time
	BacktestEnd   *time.Time
	ErrorReason   string
}

// RunRequest is the body of a create(request) call. YAML tags let
// LoadRunRequestYAML read one from a fixture file or CLI argument instead of
// requiring an HTTP round trip.
type RunRequest struct {
	StrategyID    string         `yaml:"strategy_id"`
	Mode          Mode           `yaml:"mode"`
	Symbols       []string       `yaml:"symbols"`
	Timeframe     string         `yaml:"timeframe"`
	Config        map[string]any `yaml:"config"`
	BacktestStart *time.Time     `yaml:"backtest_start"`
	BacktestEnd   *time.Time     `yaml:"backtest_end"`
}
