package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/metrics"
	"github.com/civic-lens/civiclens/internal/store"
	"github.com/civic-lens/civiclens/internal/types"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	runsDir := t.TempDir()
	st, err := store.New(runsDir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &Runtime{
		Store:    st,
		Settings: config.Settings{RunsDir: runsDir, FlashModel: "flash-test", ProModel: "pro-test"},
		Perf:     config.DefaultPerf(),
		Metrics:  metrics.NewNop(),
		Log:      zerolog.Nop(),
	}
}

func createRun(t *testing.T, rt *Runtime) string {
	t.Helper()
	video := filepath.Join(t.TempDir(), "input.mp4")
	if err := os.WriteFile(video, []byte("not a real video"), 0o644); err != nil {
		t.Fatal(err)
	}
	runID, err := rt.CreateRun(video, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return runID
}

func TestCreateRunProvisionsDirectory(t *testing.T) {
	rt := newRuntime(t)
	runID := createRun(t, rt)

	rec, err := rt.Store.Get(runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.State != types.StatePending {
		t.Fatalf("state = %q, want PENDING", rec.Status.State)
	}
	if !jsonio.Exists(rec.VideoPath) {
		t.Fatal("video not copied into run dir")
	}
	if !jsonio.Exists(rec.ROIConfigPath) {
		t.Fatal("roi config not written")
	}
	var roi config.ROI
	if err := jsonio.Read(rec.ROIConfigPath, &roi); err != nil {
		t.Fatalf("read roi: %v", err)
	}
	if len(roi.ExpectedDirectionVector) != 2 {
		t.Fatalf("roi = %+v", roi)
	}
}

func TestRunFailsAtIngestForBadVideo(t *testing.T) {
	rt := newRuntime(t)
	runID := createRun(t, rt)

	// The copied file is not decodable, so the pipeline must fail at INGEST
	// and freeze progress there.
	rt.Run(context.Background(), runID)

	rec, err := rt.Store.Get(runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.State != types.StateFailed {
		t.Fatalf("state = %q, want FAILED", rec.Status.State)
	}
	if rec.Status.FailedStage != types.StageIngest {
		t.Fatalf("failed_stage = %q, want INGEST", rec.Status.FailedStage)
	}
	if rec.Status.ProgressPct != 5 {
		t.Fatalf("progress = %d, want frozen at 5", rec.Status.ProgressPct)
	}
	if rec.Status.ErrorMessage == "" {
		t.Fatal("error message missing")
	}
}

func TestExportRunGating(t *testing.T) {
	rt := newRuntime(t)
	runID := createRun(t, rt)

	if _, err := rt.ExportRun(runID); err == nil {
		t.Fatal("export from PENDING must be rejected")
	}

	rec, err := rt.Store.Get(runID)
	if err != nil {
		t.Fatal(err)
	}
	status := rec.Status
	status.State = types.StateReadyForReview
	status.Stage = types.StageReadyForReview
	status.ProgressPct = 95
	if err := rt.Store.UpdateStatus(runID, status); err != nil {
		t.Fatal(err)
	}
	if err := jsonio.Write(filepath.Join(rt.Store.RunDir(runID), "events_final.json"),
		map[string]any{"events": []types.FinalEvent{}}); err != nil {
		t.Fatal(err)
	}

	zipPath, err := rt.ExportRun(runID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !jsonio.Exists(zipPath) {
		t.Fatal("zip not written")
	}

	rec, err = rt.Store.Get(runID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status.State != types.StateExported || rec.Status.ProgressPct != 100 {
		t.Fatalf("status = %+v", rec.Status)
	}

	// Re-export from EXPORTED is allowed.
	if _, err := rt.ExportRun(runID); err != nil {
		t.Fatalf("re-export: %v", err)
	}
}

func TestExportUnknownRun(t *testing.T) {
	rt := newRuntime(t)
	if _, err := rt.ExportRun("run_ffff000000"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestSaveReviewUpserts(t *testing.T) {
	rt := newRuntime(t)
	runID := createRun(t, rt)

	first := types.ReviewDecision{EventID: "evt_001_pkt_aa", Decision: "CONFIRMED"}
	if err := rt.SaveReview(runID, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	other := types.ReviewDecision{EventID: "evt_002_pkt_bb", Decision: "REJECTED"}
	if err := rt.SaveReview(runID, other); err != nil {
		t.Fatalf("save: %v", err)
	}
	replaced := types.ReviewDecision{EventID: "evt_001_pkt_aa", Decision: "REJECTED", ReviewerNotes: "blurred plate"}
	if err := rt.SaveReview(runID, replaced); err != nil {
		t.Fatalf("save: %v", err)
	}

	var payload struct {
		Decisions []types.ReviewDecision `json:"decisions"`
	}
	if err := jsonio.Read(filepath.Join(rt.Store.RunDir(runID), "review.json"), &payload); err != nil {
		t.Fatalf("read review: %v", err)
	}
	if len(payload.Decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(payload.Decisions))
	}
	byID := map[string]types.ReviewDecision{}
	for _, d := range payload.Decisions {
		byID[d.EventID] = d
	}
	if byID["evt_001_pkt_aa"].Decision != "REJECTED" || byID["evt_001_pkt_aa"].ReviewerNotes != "blurred plate" {
		t.Fatalf("upsert failed: %+v", byID)
	}

	if err := rt.SaveReview("run_ffff000000", first); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
