// Package cascade drives the two-tier model funnel: Flash admission over
// the ranked candidates, a bounded Flash worker pool, the Flash-to-Pro
// routing policy, a bounded Pro pool, and the per-packet decision records
// that make the whole path auditable.
package cascade

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/gemini"
	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/metrics"
	"github.com/civic-lens/civiclens/internal/proposal"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/types"
)

// Routing reason tags. Reasons form an insertion-ordered, deduplicated list
// per packet.
const (
	ReasonBelowFlashThreshold = "local_score_below_flash_threshold"
	ReasonFlashKLimit         = "flash_k_limit"
	ReasonFlashNotRelevant    = "flash_not_relevant"
	ReasonFlashConfidentNoPro = "flash_confident_no_pro"
	ReasonProKLimit           = "pro_k_limit"
)

// Legacy routing signal tags, active only with gemini_pro_legacy_signals.
const (
	reasonSevereEventType     = "severe_event_type"
	reasonConfidenceAmbiguous = "flash_confidence_ambiguous"
	reasonPlateVisible        = "plate_visible"
	reasonTopLocalRisk        = "top_local_risk"
	reasonLocalDisagreement   = "local_flash_disagreement"
)

// ProgressFunc receives stage progress updates from the executor.
type ProgressFunc func(stage types.Stage, pct int, message string, metrics map[string]any)

// Executor runs both model tiers over a run's packets. A nil Client puts
// the whole cascade into deterministic fallback mode.
type Executor struct {
	Client     gemini.Client
	FlashModel string
	ProModel   string
	Logger     *runlog.Logger
	Metrics    *metrics.Set
}

type flashResult struct {
	orderIdx int
	cand     types.Candidate
	event    types.FlashEvent
	decision types.Decision
	errored  bool
}

type proResult struct {
	queueIdx int
	event    types.FinalEvent
	decision types.Decision
	errored  bool
}

type proCandidate struct {
	priority float64
	orderIdx int
	cand     types.Candidate
	flash    types.FlashEvent
	reasons  []string
}

// Analyze executes the Flash and Pro tiers and writes the tier artifacts.
// It returns the elapsed milliseconds per tier and the metrics map.
func (e *Executor) Analyze(ctx context.Context, runDir, videoPath string, perf config.Perf, progress ProgressFunc) (int64, int64, map[string]any, error) {
	resolved := perf.ResolveMode()

	var candPayload proposal.CandidatesPayload
	if err := jsonio.Read(filepath.Join(runDir, "candidates.json"), &candPayload); err != nil {
		return 0, 0, nil, fmt.Errorf("read candidates: %w", err)
	}
	var packetPayload proposal.PacketsPayload
	if jsonio.Exists(filepath.Join(runDir, "packets.json")) {
		if err := jsonio.Read(filepath.Join(runDir, "packets.json"), &packetPayload); err != nil {
			return 0, 0, nil, fmt.Errorf("read packets: %w", err)
		}
	}
	packetByID := make(map[string]*types.Candidate, len(packetPayload.Packets))
	for i := range packetPayload.Packets {
		packetByID[packetPayload.Packets[i].PacketID] = &packetPayload.Packets[i]
	}

	raw := make([]types.Candidate, len(candPayload.Candidates))
	copy(raw, candPayload.Candidates)
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Score > raw[j].Score })

	selected := selectFlash(raw, resolved.FlashMaxCandidates, resolved.FlashMinLocalScore)
	selectedIDs := make(map[string]bool, len(selected))
	for _, c := range selected {
		selectedIDs[c.PacketID] = true
	}

	m := map[string]any{
		"pipeline_mode":          resolved.PipelineMode,
		"packets_total":          len(raw),
		"packets_sent_flash":     len(selected),
		"packets_sent_pro":       0,
		"packets_finalized":      0,
		"packets_dropped":        0,
		"flash_done":             0,
		"pro_done":               0,
		"flash_errors":           0,
		"pro_errors":             0,
		"flash_uncertain":        0,
		"flash_relevant":         0,
		"pro_queued":             0,
		"flash_concurrency":      resolved.FlashConcurrency,
		"pro_concurrency":        resolved.ProConcurrency,
		"flash_max_candidates":   resolved.FlashMaxCandidates,
		"pro_max_candidates":     resolved.ProMaxCandidates,
		"retry_attempts":         resolved.RetryAttempts,
		"flash_timeout_sec":      resolved.FlashTimeoutSec,
		"pro_timeout_sec":        resolved.ProTimeoutSec,
		"flash_min_local_score":  resolved.FlashMinLocalScore,
		"pro_uncertain_conf_low": resolved.ProUncertainConfLow,
		"pro_uncertain_conf_high": resolved.ProUncertainConfHigh,
	}

	// Not-selected packets get their admission reason before any model work.
	for _, cand := range raw {
		pkt := packetByID[cand.PacketID]
		if pkt == nil {
			continue
		}
		pkt.Routing.SentToFlash = selectedIDs[cand.PacketID]
		pkt.Routing.SentToPro = false
		if !selectedIDs[cand.PacketID] {
			if cand.Score < resolved.FlashMinLocalScore {
				pkt.Routing.AddReason(ReasonBelowFlashThreshold)
			} else {
				pkt.Routing.AddReason(ReasonFlashKLimit)
			}
		}
	}

	flashStarted := time.Now()
	e.Logger.Info(types.StageFlash, "stage_started", "Starting Flash pass", map[string]any{
		"packet_count": len(selected),
	})
	if progress != nil {
		progress(types.StageFlash, 55, fmt.Sprintf("Preparing Flash pass for %d packets", len(selected)), m)
	}

	fileRef, uploaded := e.uploadOnce(ctx, videoPath, resolved, progress, m)

	flashResults := e.runFlashTier(ctx, selected, fileRef, uploaded, resolved, progress, m)
	flashElapsed := time.Since(flashStarted).Milliseconds()

	flashEvents := make([]types.FlashEvent, 0, len(flashResults))
	flashDecisions := make([]types.Decision, 0, len(flashResults))
	relevant, uncertain := 0, 0
	for _, r := range flashResults {
		flashEvents = append(flashEvents, r.event)
		flashDecisions = append(flashDecisions, r.decision)
		if r.event.IsRelevant {
			relevant++
		}
		if r.event.Uncertain {
			uncertain++
		}
	}
	m["flash_relevant"] = relevant
	m["flash_uncertain"] = uncertain

	queued := e.routePro(flashResults, packetByID, resolved)
	m["pro_queued"] = len(queued)
	m["packets_sent_pro"] = len(queued)

	e.Logger.Info(types.StageFlash, "stage_completed", "Flash pass completed", map[string]any{
		"duration_ms":      flashElapsed,
		"event_count":      len(flashEvents),
		"pro_packet_count": len(queued),
	})

	proStarted := time.Now()
	e.Logger.Info(types.StagePro, "stage_started", "Starting Pro pass", map[string]any{
		"packet_count": len(queued),
	})
	if progress != nil {
		progress(types.StagePro, 70, fmt.Sprintf("Preparing Pro pass for %d packets", len(queued)), m)
	}

	proResults := e.runProTier(ctx, queued, fileRef, uploaded, resolved, progress, m)
	proElapsed := time.Since(proStarted).Milliseconds()

	proEvents := make([]types.FinalEvent, 0, len(proResults))
	proDecisions := make([]types.Decision, 0, len(proResults))
	for _, r := range proResults {
		proEvents = append(proEvents, r.event)
		proDecisions = append(proDecisions, r.decision)
	}

	e.finalizeRouting(raw, flashResults, proResults, queued, packetByID, m)

	if err := e.writeArtifacts(runDir, packetPayload, flashEvents, proEvents, flashDecisions, proDecisions); err != nil {
		return flashElapsed, proElapsed, m, err
	}

	e.Logger.Info(types.StagePro, "stage_completed", "Pro pass completed", map[string]any{
		"duration_ms": proElapsed,
		"event_count": len(proEvents),
	})
	return flashElapsed, proElapsed, m, nil
}

// selectFlash applies the admission policy: a score floor with a top-1
// keep-alive, then a diversity seed (best packet per distinct type) and a
// score fill up to the cap.
func selectFlash(raw []types.Candidate, limit int, minScore float64) []types.Candidate {
	if len(raw) == 0 {
		return nil
	}
	eligible := make([]types.Candidate, 0, len(raw))
	for _, c := range raw {
		if c.Score >= minScore {
			eligible = append(eligible, c)
		}
	}
	// The run should always be inspectable: keep the top packet even when
	// nothing clears the floor.
	if len(eligible) == 0 {
		eligible = raw[:1]
	}

	selected := make([]types.Candidate, 0, limit)
	picked := make(map[string]bool, limit)

	seen := make(map[types.ViolationType]bool)
	for _, c := range eligible {
		if len(selected) >= limit {
			break
		}
		if seen[c.EventType] {
			continue
		}
		seen[c.EventType] = true
		selected = append(selected, c)
		picked[c.PacketID] = true
	}
	for _, c := range eligible {
		if len(selected) >= limit {
			break
		}
		if picked[c.PacketID] {
			continue
		}
		selected = append(selected, c)
		picked[c.PacketID] = true
	}
	return selected
}

// uploadOnce uploads the video and polls it to ACTIVE. Any failure drops
// the executor into fallback mode rather than failing the run.
func (e *Executor) uploadOnce(ctx context.Context, videoPath string, perf config.Perf, progress ProgressFunc, m map[string]any) (gemini.FileRef, bool) {
	if e.Client == nil {
		return gemini.FileRef{}, false
	}
	e.Logger.Info(types.StageFlash, "file_upload_start", "Uploading video for model analysis", nil)
	if progress != nil {
		progress(types.StageFlash, 56, "Uploading video for model analysis", m)
	}
	ref, err := e.Client.Upload(ctx, videoPath)
	if err == nil {
		ref, err = e.Client.PollActive(ctx, ref, perf.UploadPollAttempts,
			time.Duration(perf.UploadPollIntervalSec)*time.Second)
	}
	if err != nil {
		e.Logger.Error(types.StageFlash, "stage_failed", "Failed to upload or activate model file", map[string]any{
			"error_code":   "GEMINI_UPLOAD_ERROR",
			"error_detail": err.Error(),
		})
		return gemini.FileRef{}, false
	}
	e.Logger.Info(types.StageFlash, "file_upload_done", "Video ready", map[string]any{
		"file_uri": ref.URI,
	})
	return ref, true
}

// routePro applies the Flash-to-Pro policy over the order-sorted Flash
// results. A packet is Pro-eligible iff it is relevant and its Flash verdict
// is uncertain, inside the confidence band, or a fallback. Priority is
// (1 - confidence) + 0.5*score + 0.1 if a plate was seen.
func (e *Executor) routePro(results []flashResult, packetByID map[string]*types.Candidate, perf config.Perf) []proCandidate {
	topPacketID := ""
	if len(results) > 0 {
		topPacketID = results[0].cand.PacketID
	}

	var eligible []proCandidate
	for _, r := range results {
		pkt := packetByID[r.cand.PacketID]
		if !r.event.IsRelevant {
			if pkt != nil {
				pkt.Routing.AddReason(ReasonFlashNotRelevant)
			}
			continue
		}

		// Fallback verdicts carry their escalation signal in uncertain and
		// needs_pro, so a confident fallback never reaches Pro.
		inBand := r.event.Confidence >= perf.ProUncertainConfLow && r.event.Confidence < perf.ProUncertainConfHigh
		isEligible := r.event.Uncertain || inBand || r.event.NeedsPro

		var reasons []string
		if perf.ProLegacySignals {
			severe := r.event.EventType == types.RedLightJump || r.event.EventType == types.WrongSideDriving
			ambiguous := r.event.Confidence >= 0.45 && r.event.Confidence <= 0.8
			topRisk := r.cand.PacketID == topPacketID
			disagree := r.cand.EventType != r.event.EventType
			if severe {
				reasons = append(reasons, reasonSevereEventType)
			}
			if ambiguous {
				reasons = append(reasons, reasonConfidenceAmbiguous)
			}
			if r.event.PlateVisible {
				reasons = append(reasons, reasonPlateVisible)
			}
			if topRisk {
				reasons = append(reasons, reasonTopLocalRisk)
			}
			if disagree {
				reasons = append(reasons, reasonLocalDisagreement)
			}
			if len(reasons) > 0 {
				isEligible = true
			}
		}

		if !isEligible {
			if pkt != nil {
				pkt.Routing.AddReason(ReasonFlashConfidentNoPro)
			}
			continue
		}

		priority := (1 - r.event.Confidence) + 0.5*r.cand.Score
		if r.event.PlateVisible {
			priority += 0.1
		}
		eligible = append(eligible, proCandidate{
			priority: priority,
			orderIdx: r.orderIdx,
			cand:     r.cand,
			flash:    r.event,
			reasons:  reasons,
		})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority > eligible[j].priority
		}
		return eligible[i].orderIdx < eligible[j].orderIdx
	})

	limit := perf.ProMaxCandidates
	if limit > len(eligible) {
		limit = len(eligible)
	}
	queued := eligible[:limit]
	for _, pc := range eligible[limit:] {
		if pkt := packetByID[pc.cand.PacketID]; pkt != nil {
			pkt.Routing.AddReason(ReasonProKLimit)
		}
	}
	for _, pc := range queued {
		if pkt := packetByID[pc.cand.PacketID]; pkt != nil {
			pkt.Routing.SentToPro = true
			for _, reason := range pc.reasons {
				pkt.Routing.AddReason(reason)
			}
		}
	}
	return queued
}

// finalizeRouting computes the finalized/dropped split. A packet finalizes
// when Pro produced an event or Flash found it relevant without escalation.
func (e *Executor) finalizeRouting(raw []types.Candidate, flashResults []flashResult, proResults []proResult, queued []proCandidate, packetByID map[string]*types.Candidate, m map[string]any) {
	flashByPacket := make(map[string]types.FlashEvent, len(flashResults))
	for _, r := range flashResults {
		flashByPacket[r.event.PacketID] = r.event
	}
	proByPacket := make(map[string]bool, len(proResults))
	for _, r := range proResults {
		proByPacket[r.event.PacketID] = true
	}
	queuedIDs := make(map[string]bool, len(queued))
	for _, pc := range queued {
		queuedIDs[pc.cand.PacketID] = true
	}

	finalized, dropped := 0, 0
	for _, cand := range raw {
		if pkt := packetByID[cand.PacketID]; pkt != nil {
			pkt.Routing.SentToPro = queuedIDs[cand.PacketID]
		}
		switch {
		case proByPacket[cand.PacketID]:
			finalized++
			e.Metrics.PacketsRouted.WithLabelValues("pro_final").Inc()
		case flashByPacket[cand.PacketID].IsRelevant:
			finalized++
			e.Metrics.PacketsRouted.WithLabelValues("flash_only").Inc()
		default:
			dropped++
			e.Metrics.PacketsRouted.WithLabelValues("dropped").Inc()
		}
	}
	m["packets_finalized"] = finalized
	m["packets_dropped"] = dropped
}

func (e *Executor) writeArtifacts(runDir string, packets proposal.PacketsPayload, flashEvents []types.FlashEvent, proEvents []types.FinalEvent, flashDecisions, proDecisions []types.Decision) error {
	if err := jsonio.Write(filepath.Join(runDir, "packets.json"), packets); err != nil {
		return err
	}
	if err := jsonio.Write(filepath.Join(runDir, "flash_events.json"), map[string]any{"events": flashEvents}); err != nil {
		return err
	}
	if err := jsonio.Write(filepath.Join(runDir, "pro_events.json"), map[string]any{"events": proEvents}); err != nil {
		return err
	}
	if err := jsonio.Write(filepath.Join(runDir, "flash_decisions.json"), map[string]any{"decisions": flashDecisions}); err != nil {
		return err
	}
	return jsonio.Write(filepath.Join(runDir, "pro_decisions.json"), map[string]any{"decisions": proDecisions})
}

// runPool fans tasks out to an errgroup bounded at width. Workers write
// only their own result slot; the collector goroutine owns all metric and
// progress mutation.
func runPool(ctx context.Context, width, total int, task func(ctx context.Context, idx int), onDone func(idx int)) {
	if total == 0 {
		return
	}
	completions := make(chan int, total)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for idx := range completions {
			onDone(idx)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for i := 0; i < total; i++ {
		idx := i
		g.Go(func() error {
			task(gctx, idx)
			completions <- idx
			return nil
		})
	}
	_ = g.Wait()
	close(completions)
	<-collectorDone
}
