package store

import (
	"context"
	"errors"

	"github.com/cdelaunay/simrig/internal/model"
)

// ErrInvalidTransition is returned when a run state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// RunStats holds aggregate statistics over worker runs.
type RunStats struct {
	Total        int            `json:"total"`
	CountByState map[string]int `json:"count_by_state"`
	FaultCount   int            `json:"fault_count"`
}

// Store defines the persistence operations for worker runs.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunState(ctx context.Context, id, state string) error
	FinishRun(ctx context.Context, id, state, errMsg, trace string) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
