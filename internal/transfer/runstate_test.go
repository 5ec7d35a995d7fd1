package transfer

import (
	"log/slog"
	"testing"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/progressbus"
)

// newTestRunState builds a runState with just enough of an Engine wired up
// (bus, logger) to exercise publishProgress — the rest of the state
// machine requires a live destination/source connection through
// connsupervisor/sqlgateway's concrete pgx types and is not exercised by
// these unit tests.
func newTestRunState(totalEstimate int) *runState {
	engine := &Engine{
		bus:    progressbus.New(),
		logger: slog.Default(),
	}
	return &runState{
		engine:        engine,
		task:          &domain.TaskDefinition{ID: "task-1"},
		progress:      newProgressAccumulator(100),
		totalEstimate: totalEstimate,
	}
}

func TestPublishProgress_SeededMilestoneSuppressesSmallNextDelta(t *testing.T) {
	r := newTestRunState(1000)
	r.lastPublished = 15 // seeded by the "preparing" milestone publish

	r.progress.rows = 16 // 1.6% — far short of 15+5
	r.publishProgress()

	if r.lastPublished != 15 {
		t.Fatalf("lastPublished regressed/advanced on a <5 delta: got %d, want 15", r.lastPublished)
	}
}

func TestPublishProgress_AdvancesOnlyWhenDeltaIsAtLeastFive(t *testing.T) {
	r := newTestRunState(100)
	r.lastPublished = 15

	r.progress.rows = 19 // 19% — delta of 4, must not publish
	r.publishProgress()
	if r.lastPublished != 15 {
		t.Fatalf("published on a 4-point delta: lastPublished = %d, want 15", r.lastPublished)
	}

	r.progress.rows = 20 // 20% — delta of 5, must publish
	r.publishProgress()
	if r.lastPublished != 20 {
		t.Fatalf("did not publish on a 5-point delta: lastPublished = %d, want 20", r.lastPublished)
	}
}

func TestPublishProgress_NeverPublishesTheReserved100MidStream(t *testing.T) {
	r := newTestRunState(100)
	r.lastPublished = 95

	r.progress.rows = 100 // would be 100%, reserved for the terminal publish
	r.publishProgress()

	if r.lastPublished != 99 {
		t.Fatalf("lastPublished = %d, want 99 (100 reserved for terminal)", r.lastPublished)
	}
}

func TestPublishProgress_NoTotalEstimateNeverPublishes(t *testing.T) {
	r := newTestRunState(0)
	r.lastPublished = 15
	r.progress.rows = 1000

	r.publishProgress()

	if r.lastPublished != 15 {
		t.Fatalf("lastPublished changed with no totalEstimate: got %d, want 15", r.lastPublished)
	}
}
