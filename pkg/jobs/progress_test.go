package jobs

import (
	"testing"

	"github.com/puzzlehealth/reconciler/pkg/pipeline"
)

func TestStagePercentAnchors(t *testing.T) {
	tracker := &progressTracker{}

	cases := []struct {
		name string
		p    pipeline.Progress
		want int
	}{
		{"loaded", pipeline.Progress{Stage: pipeline.StageLoaded}, 10},
		{"normalized", pipeline.Progress{Stage: pipeline.StageNormalized}, 25},
		{"first of four facilities", pipeline.Progress{Stage: pipeline.StageAggregated, Completed: 1, Total: 4}, 38},
		{"half the facilities", pipeline.Progress{Stage: pipeline.StageAggregated, Completed: 2, Total: 4}, 52},
		{"all facilities", pipeline.Progress{Stage: pipeline.StageAggregated, Completed: 4, Total: 4}, 80},
		{"exported", pipeline.Progress{Stage: pipeline.StageExported}, 95},
	}
	for _, tc := range cases {
		if got := tracker.mapPercent(tc.p); got != tc.want {
			t.Errorf("%s: mapPercent = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	tracker := &progressTracker{}

	tracker.advance(pipeline.Progress{Stage: pipeline.StageLoaded})
	tracker.advance(pipeline.Progress{Stage: pipeline.StageNormalized})
	tracker.advance(pipeline.Progress{Stage: pipeline.StageExported})

	// A straggling worker completion must not pull the bar back down.
	got := tracker.advance(pipeline.Progress{Stage: pipeline.StageAggregated, Completed: 3, Total: 4})
	if got != 95 {
		t.Fatalf("late facility event moved progress to %d, want 95", got)
	}
	if tracker.percent() != 95 {
		t.Fatalf("tracker percent = %d, want 95", tracker.percent())
	}
}

func TestPerFacilityStagesRefreshLabelOnly(t *testing.T) {
	tracker := &progressTracker{}

	tracker.advance(pipeline.Progress{Stage: pipeline.StageNormalized})
	got := tracker.advance(pipeline.Progress{Stage: pipeline.StageMatched, Facility: "medilodge of gtwp"})
	if got != 25 {
		t.Fatalf("matched event moved progress to %d, want 25", got)
	}
	if tracker.stage() != string(pipeline.StageMatched) {
		t.Fatalf("stage label = %q, want %q", tracker.stage(), pipeline.StageMatched)
	}

	got = tracker.advance(pipeline.Progress{Stage: pipeline.StageDeduplicated, Facility: "medilodge of gtwp"})
	if got != 25 {
		t.Fatalf("deduplicated event moved progress to %d, want 25", got)
	}
}

func TestSingleFacilityRunReachesReconciledAnchor(t *testing.T) {
	tracker := &progressTracker{}

	got := tracker.advance(pipeline.Progress{Stage: pipeline.StageAggregated, Completed: 1, Total: 1})
	if got != 80 {
		t.Fatalf("sole facility completion = %d, want 80", got)
	}
}
