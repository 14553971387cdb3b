package stores

import (
	"context"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// RunStatus represents the status of a converge invocation.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// PassStatus represents the outcome of one host pass.
type PassStatus string

const (
	PassStatusOK      PassStatus = "ok"
	PassStatusFailed  PassStatus = "failed"
	PassStatusSkipped PassStatus = "skipped"
)

// Run is one converge invocation.
type Run struct {
	ID         string     `json:"id"`
	Catalog    string     `json:"catalog"`
	Revision   string     `json:"revision,omitempty"`
	Version    string     `json:"version"`
	Hosts      []string   `json:"hosts"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Passes is filled by GetRun only.
	Passes []*HostPass `json:"passes,omitempty"`
}

// HostPass is the journal entry for one host within a run.
type HostPass struct {
	ID         int64            `json:"id"`
	RunID      string           `json:"run_id"`
	Host       string           `json:"host"`
	Status     PassStatus       `json:"status"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Outcomes   []engine.Outcome `json:"outcomes,omitempty"`
}

// Changed counts outcomes that changed the host.
func (p *HostPass) Changed() int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Changed {
			n++
		}
	}
	return n
}

// RunFilter narrows ListRuns. Zero values select everything.
type RunFilter struct {
	// Host keeps runs that passed over this host.
	Host  string
	Limit int
}

// Store is the run journal.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, runErr error) error
	RecordPass(ctx context.Context, pass *HostPass) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	LastPass(ctx context.Context, host string) (*HostPass, error)
}
