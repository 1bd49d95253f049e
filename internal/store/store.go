// Package store persists the local execution journal.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/remotefn/internal/model"
)

// ErrInvalidTransition is returned when a journal state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ExecutionStats holds aggregate journal statistics.
type ExecutionStats struct {
	Total           int            `json:"total" yaml:"total"`
	CountByState    map[string]int `json:"count_by_state" yaml:"count_by_state"`
	CountByFunction map[string]int `json:"count_by_function" yaml:"count_by_function"`
	AvgDurationMS   float64        `json:"avg_duration_ms" yaml:"avg_duration_ms"`
}

// ListFilter narrows ListExecutions. Empty fields match everything.
type ListFilter struct {
	Function string
	State    string
	Limit    int
	Offset   int
}

// Store defines the persistence operations for the execution journal.
type Store interface {
	CreateExecution(ctx context.Context, rec *model.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error)
	ListExecutions(ctx context.Context, f ListFilter) ([]*model.ExecutionRecord, int, error)
	UpdateExecutionState(ctx context.Context, id, state string) error
	UpdateExecution(ctx context.Context, rec *model.ExecutionRecord) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)
	Close() error
}
