// Package pipeline drives a run through its stage state machine: ingest,
// local proposals, the two model tiers, merge, and export. It owns the
// overall progress contract and stage-level failure isolation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/civic-lens/civiclens/internal/cascade"
	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/export"
	"github.com/civic-lens/civiclens/internal/gemini"
	"github.com/civic-lens/civiclens/internal/ingest"
	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/merge"
	"github.com/civic-lens/civiclens/internal/metrics"
	"github.com/civic-lens/civiclens/internal/proposal"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/store"
	"github.com/civic-lens/civiclens/internal/types"
)

// Runtime bundles the dependencies a run needs. Tests construct it with
// fakes; there are no package-level singletons.
type Runtime struct {
	Store    *store.RunStore
	Settings config.Settings
	Perf     config.Perf
	Metrics  *metrics.Set
	Log      zerolog.Logger

	// NewClient builds the model transport for a run. A nil function or a
	// nil return puts the cascade into fallback mode.
	NewClient func() gemini.Client
}

// CreateRun provisions a run directory, copies the input video, writes the
// ROI config, and registers the PENDING record.
func (rt *Runtime) CreateRun(videoPath, roiConfigPath string) (string, error) {
	runID := types.NewRunID()
	runDir := rt.Store.RunDir(runID)
	inputDir := filepath.Join(runDir, "input")
	cfgDir := filepath.Join(runDir, "config")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(inputDir, filepath.Base(videoPath))
	if err := copyFile(videoPath, dst); err != nil {
		return "", fmt.Errorf("copy video: %w", err)
	}

	roiDst := filepath.Join(cfgDir, "roi_config.json")
	roi := config.DefaultROI()
	if roiConfigPath != "" {
		roi = config.LoadROI(roiConfigPath)
	}
	if err := jsonio.Write(roiDst, roi); err != nil {
		return "", err
	}

	rec := types.RunRecord{
		RunID:         runID,
		VideoPath:     dst,
		ROIConfigPath: roiDst,
		Status: types.RunStatus{
			RunID:       runID,
			State:       types.StatePending,
			Stage:       types.StageIngest,
			ProgressPct: 0,
			TimingsMS:   map[types.Stage]int64{},
			Metrics:     map[string]any{},
		},
	}
	if err := rt.Store.Register(rec); err != nil {
		return "", err
	}
	return runID, nil
}

// StartRun launches the pipeline on its own goroutine.
func (rt *Runtime) StartRun(ctx context.Context, runID string) error {
	if !rt.Store.Exists(runID) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, runID)
	}
	go rt.Run(ctx, runID)
	return nil
}

// Run executes the full pipeline synchronously. Any error or panic
// transitions the run to FAILED with the current stage recorded and the
// progress frozen.
func (rt *Runtime) Run(ctx context.Context, runID string) {
	rt.Metrics.ActiveRuns.Inc()
	defer rt.Metrics.ActiveRuns.Dec()

	rec, err := rt.Store.Get(runID)
	if err != nil {
		rt.Log.Error().Err(err).Str("run_id", runID).Msg("run not found")
		return
	}
	runDir := rt.Store.RunDir(runID)
	logger, err := runlog.Open(runID, filepath.Join(runDir, "pipeline.log.jsonl"))
	if err != nil {
		rt.Log.Error().Err(err).Str("run_id", runID).Msg("open run log")
		return
	}
	defer logger.Close()

	timings := map[types.Stage]int64{}
	runMetrics := map[string]any{}
	currentStage := types.StageIngest
	currentProgress := 5

	setStatus := func(state types.RunState, stage types.Stage, progress int, message string) {
		currentStage = stage
		currentProgress = progress
		_ = rt.Store.UpdateStatus(runID, types.RunStatus{
			RunID:        runID,
			State:        state,
			Stage:        stage,
			ProgressPct:  progress,
			StageMessage: message,
			TimingsMS:    copyTimings(timings),
			Metrics:      runMetrics,
		})
	}

	fail := func(cause error) {
		logger.Error(currentStage, "stage_failed", "Pipeline failed", map[string]any{
			"error_code":   string(currentStage) + "_ERROR",
			"error_detail": cause.Error(),
		})
		_ = rt.Store.UpdateStatus(runID, types.RunStatus{
			RunID:        runID,
			State:        types.StateFailed,
			Stage:        currentStage,
			FailedStage:  currentStage,
			ProgressPct:  currentProgress,
			StageMessage: "Pipeline failed",
			ErrorMessage: cause.Error(),
			TimingsMS:    copyTimings(timings),
			Metrics:      runMetrics,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("panic: %v", r))
		}
	}()

	setStatus(types.StateRunning, types.StageIngest, 5, "Preparing ingest")
	t0 := time.Now()
	manifest, err := ingest.Ingest(ctx, rec.VideoPath, runDir, ingest.Options{
		FPSShort:          rt.Perf.AnalysisFPSShort,
		FPSLong:           rt.Perf.AnalysisFPSLong,
		LongThresholdSec:  rt.Perf.LongVideoThresholdSec,
		DownscaleLongEdge: rt.Perf.DownscaleLongEdge,
	}, logger)
	if err != nil {
		fail(err)
		return
	}
	timings[types.StageIngest] = time.Since(t0).Milliseconds()

	setStatus(types.StateRunning, types.StageLocalProposals, 30, "Running local proposal heuristics")
	t1 := time.Now()
	roi := config.LoadROI(rec.ROIConfigPath)
	proposalCfg := config.DefaultProposal()
	if _, err := proposal.Run(runID, runDir, manifest, roi, proposalCfg, logger); err != nil {
		fail(err)
		return
	}
	timings[types.StageLocalProposals] = time.Since(t1).Milliseconds()

	setStatus(types.StateRunning, types.StageFlash, 55, "Initializing model analysis")
	var client gemini.Client
	if rt.NewClient != nil {
		client = rt.NewClient()
	}
	executor := &cascade.Executor{
		Client:     client,
		FlashModel: rt.Settings.FlashModel,
		ProModel:   rt.Settings.ProModel,
		Logger:     logger,
		Metrics:    rt.Metrics,
	}

	// The orchestrator owns the progress contract: cascade updates are
	// clamped into the [55, 79] window.
	progress := func(stage types.Stage, pct int, message string, payload map[string]any) {
		for k, v := range payload {
			runMetrics[k] = v
		}
		if pct < 55 {
			pct = 55
		}
		if pct > 79 {
			pct = 79
		}
		setStatus(types.StateRunning, stage, pct, message)
	}

	flashMS, proMS, cascadeMetrics, err := executor.Analyze(ctx, runDir, rec.VideoPath, rt.Perf, progress)
	for k, v := range cascadeMetrics {
		runMetrics[k] = v
	}
	timings[types.StageFlash] = flashMS
	timings[types.StagePro] = proMS
	if err != nil {
		fail(err)
		return
	}

	setStatus(types.StateRunning, types.StagePostprocess, 80, "Merging model outputs")
	t3 := time.Now()
	result, err := merge.Run(runDir, logger)
	if err != nil {
		fail(err)
		return
	}
	timings[types.StagePostprocess] = time.Since(t3).Milliseconds()
	runMetrics["packets_total"] = result.Trace.Summary.PacketsTotal
	runMetrics["packets_finalized"] = countTraceFinalized(result.Trace)
	runMetrics["packets_dropped"] = result.Trace.Summary.DroppedPackets

	setStatus(types.StateReadyForReview, types.StageReadyForReview, 95, "Ready for manual review")
	logger.Info(types.StageReadyForReview, "stage_completed", "Pipeline ready for review", nil)
}

// ExportRun builds the case pack. Export is reachable only from
// READY_FOR_REVIEW, or from EXPORTED for a re-export.
func (rt *Runtime) ExportRun(runID string) (string, error) {
	rec, err := rt.Store.Get(runID)
	if err != nil {
		return "", err
	}
	if rec.Status.State != types.StateReadyForReview && rec.Status.State != types.StateExported {
		return "", fmt.Errorf("run %s is %s, not ready for export", runID, rec.Status.State)
	}
	zipPath, err := export.CasePack(rt.Store.RunDir(runID))
	if err != nil {
		return "", err
	}
	status := rec.Status
	status.State = types.StateExported
	status.Stage = types.StageExport
	status.ProgressPct = 100
	status.StageMessage = "Export completed"
	if err := rt.Store.UpdateStatus(runID, status); err != nil {
		return "", err
	}
	return zipPath, nil
}

// SaveReview upserts one reviewer decision into review.json.
func (rt *Runtime) SaveReview(runID string, decision types.ReviewDecision) error {
	if !rt.Store.Exists(runID) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, runID)
	}
	path := filepath.Join(rt.Store.RunDir(runID), "review.json")
	var payload struct {
		Decisions []types.ReviewDecision `json:"decisions"`
	}
	if jsonio.Exists(path) {
		if err := jsonio.Read(path, &payload); err != nil {
			return err
		}
	}
	kept := payload.Decisions[:0]
	for _, d := range payload.Decisions {
		if d.EventID != decision.EventID {
			kept = append(kept, d)
		}
	}
	payload.Decisions = append(kept, decision)
	return jsonio.Write(path, payload)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyTimings(src map[types.Stage]int64) map[types.Stage]int64 {
	out := make(map[types.Stage]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func countTraceFinalized(trace types.Trace) int {
	n := 0
	for _, e := range trace.Packets {
		if e.FinalEventID != nil {
			n++
		}
	}
	return n
}
