package enrich

import (
	"sync"
	"sync/atomic"

	"github.com/sells-group/directory-cli/internal/model"
)

// RunStats aggregates entity outcomes for one run. Each run gets its own instance;
// nothing here is process-global.
type RunStats struct {
	processed atomic.Int64
	updated   atomic.Int64
	unchanged atomic.Int64
	skipped   atomic.Int64
	errored   atomic.Int64
	noMatch   atomic.Int64
	cycles    atomic.Int64

	mu     sync.Mutex
	runID  string
	status model.RunStatus
	calls  int64
}

// NewRunStats creates an empty RunStats.
func NewRunStats() *RunStats {
	return &RunStats{status: model.RunStatusRunning}
}

// Record folds one entity outcome into the totals. Updated, unchanged, and skipped
// count fields; the rest count entities.
func (s *RunStats) Record(o EntityOutcome) {
	s.processed.Add(1)
	s.updated.Add(int64(len(o.Apply.Updated)))
	s.unchanged.Add(int64(len(o.Apply.Unchanged)))
	s.skipped.Add(int64(len(o.Apply.Skipped)))
	if o.Err != nil {
		s.errored.Add(1)
	}
	if !o.Matched {
		s.noMatch.Add(1)
	}
}

func (s *RunStats) cycle() { s.cycles.Add(1) }

func (s *RunStats) begin(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
}

func (s *RunStats) finish(runID string, status model.RunStatus, calls int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID, s.status, s.calls = runID, status, calls
}

// RunID returns the persisted run identifier, empty until the run record exists.
func (s *RunStats) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Status returns the run's terminal status, or running while in progress.
func (s *RunStats) Status() model.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Summary snapshots the counters.
func (s *RunStats) Summary() model.RunSummary {
	s.mu.Lock()
	calls := s.calls
	s.mu.Unlock()
	return model.RunSummary{
		Processed: s.processed.Load(),
		Updated:   s.updated.Load(),
		Unchanged: s.unchanged.Load(),
		Skipped:   s.skipped.Load(),
		Errored:   s.errored.Load(),
		NoMatch:   s.noMatch.Load(),
		Cycles:    int(s.cycles.Load()),
		APICalls:  calls,
	}
}
