package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/gemini"
	"github.com/civic-lens/civiclens/internal/types"
)

var (
	flashSchema = gemini.MustCompileSchema("flash_event.json", gemini.FlashSchemaJSON)
	proSchema   = gemini.MustCompileSchema("pro_event.json", gemini.ProSchemaJSON)
)

// runFlashTier fans the selected packets out to the Flash pool. Result
// slots are indexed by submission order, so the returned slice is already
// deterministic regardless of completion order.
func (e *Executor) runFlashTier(ctx context.Context, selected []types.Candidate, fileRef gemini.FileRef, uploaded bool, perf config.Perf, progress ProgressFunc, m map[string]any) []flashResult {
	results := make([]flashResult, len(selected))
	total := len(selected)

	for i, cand := range selected {
		e.Logger.Info(types.StageFlash, "packet_started", "Running Flash packet", map[string]any{
			"packet_id":    cand.PacketID,
			"packet_index": i + 1,
			"packet_total": total,
		})
	}

	done := 0
	runPool(ctx, perf.FlashConcurrency, total,
		func(taskCtx context.Context, idx int) {
			results[idx] = e.flashTask(taskCtx, idx, selected[idx], fileRef, uploaded, perf)
		},
		func(idx int) {
			done++
			m["flash_done"] = done
			r := &results[idx]
			if r.errored {
				m["flash_errors"] = m["flash_errors"].(int) + 1
			}
			e.Metrics.FlashCalls.WithLabelValues(r.decision.Status).Inc()
			e.Logger.Info(types.StageFlash, "packet_completed", "Flash packet complete", map[string]any{
				"packet_id":  r.event.PacketID,
				"confidence": r.event.Confidence,
				"relevant":   r.event.IsRelevant,
				"status":     r.decision.Status,
			})
			if progress != nil {
				pct := 57 + int(float64(done)/float64(total)*13)
				progress(types.StageFlash, pct, fmt.Sprintf("Flash analyzed %d/%d packets", done, total), m)
			}
		})
	return results
}

func (e *Executor) flashTask(ctx context.Context, orderIdx int, cand types.Candidate, fileRef gemini.FileRef, uploaded bool, perf config.Perf) flashResult {
	prompt := fmt.Sprintf(
		"You are validating Indian traffic incidents. Return strict JSON. "+
			"Use packet_id exactly as provided: %s. Candidate id is %s. "+
			"If weak evidence, set is_relevant=false.",
		cand.PacketID, cand.CandidateID,
	)
	decision := types.Decision{
		PacketID:           cand.PacketID,
		CandidateID:        cand.CandidateID,
		InvocationID:       ulid.Make().String(),
		Model:              e.FlashModel,
		RequestWindowStart: cand.StartS,
		RequestWindowEnd:   cand.EndS,
		Status:             types.DecisionFallback,
	}

	if !uploaded {
		fb := flashFallback(cand)
		decision.Response = toMap(fb)
		return flashResult{orderIdx: orderIdx, cand: cand, event: fb, decision: decision}
	}

	payload, latency, attempts, _ := e.invoke(ctx, types.StageFlash, gemini.GenerateRequest{
		Model:      e.FlashModel,
		File:       fileRef,
		StartS:     cand.StartS,
		EndS:       cand.EndS,
		FPS:        2,
		Prompt:     prompt,
		SchemaJSON: gemini.FlashSchemaJSON,
	}, cand.PacketID, perf.FlashTimeoutSec, perf.RetryAttempts)
	decision.LatencyMS = latency
	decision.Attempts = attempts

	if payload == nil {
		fb := flashFallback(cand)
		decision.ErrorDetail = "flash_failed_or_timeout"
		decision.Response = toMap(fb)
		return flashResult{orderIdx: orderIdx, cand: cand, event: fb, decision: decision, errored: true}
	}

	if returned, _ := payload["packet_id"].(string); returned != cand.PacketID {
		fb := flashFallback(cand)
		decision.ErrorDetail = "SCHEMA_PACKET_MISMATCH"
		decision.Response = toMap(fb)
		return flashResult{orderIdx: orderIdx, cand: cand, event: fb, decision: decision, errored: true}
	}

	payload["candidate_id"] = cand.CandidateID
	event, err := bindFlashEvent(payload)
	if err != nil {
		fb := flashFallback(cand)
		decision.ErrorDetail = "flash_schema_validation_failed"
		decision.Response = toMap(fb)
		return flashResult{orderIdx: orderIdx, cand: cand, event: fb, decision: decision, errored: true}
	}

	// Uncertainty-band post-processing decides Pro escalation later.
	if event.IsRelevant {
		inBand := event.Confidence >= perf.ProUncertainConfLow && event.Confidence < perf.ProUncertainConfHigh
		if event.Uncertain || inBand {
			event.Uncertain = true
			event.NeedsPro = true
			if event.UncertaintyReason == nil {
				reason := "Flash confidence within uncertainty band"
				event.UncertaintyReason = &reason
			}
		}
	}

	decision.Status = types.DecisionOK
	decision.Response = toMap(event)
	return flashResult{orderIdx: orderIdx, cand: cand, event: event, decision: decision}
}

// runProTier mirrors the Flash pool over the Pro queue.
func (e *Executor) runProTier(ctx context.Context, queued []proCandidate, fileRef gemini.FileRef, uploaded bool, perf config.Perf, progress ProgressFunc, m map[string]any) []proResult {
	results := make([]proResult, len(queued))
	total := len(queued)

	for i, pc := range queued {
		e.Logger.Info(types.StagePro, "packet_started", "Running Pro packet", map[string]any{
			"packet_id":    pc.cand.PacketID,
			"packet_index": i + 1,
			"packet_total": total,
		})
	}

	done := 0
	runPool(ctx, perf.ProConcurrency, total,
		func(taskCtx context.Context, idx int) {
			results[idx] = e.proTask(taskCtx, idx, queued[idx], fileRef, uploaded, perf)
		},
		func(idx int) {
			done++
			m["pro_done"] = done
			r := &results[idx]
			if r.errored {
				m["pro_errors"] = m["pro_errors"].(int) + 1
			}
			e.Metrics.ProCalls.WithLabelValues(r.decision.Status).Inc()
			e.Logger.Info(types.StagePro, "packet_completed", "Pro packet complete", map[string]any{
				"packet_id": r.event.PacketID,
				"event_id":  r.event.EventID,
				"status":    r.decision.Status,
			})
			if progress != nil {
				pct := 70 + int(float64(done)/float64(total)*9)
				progress(types.StagePro, pct, fmt.Sprintf("Pro analyzed %d/%d packets", done, total), m)
			}
		})
	return results
}

func (e *Executor) proTask(ctx context.Context, queueIdx int, pc proCandidate, fileRef gemini.FileRef, uploaded bool, perf config.Perf) proResult {
	cand := pc.cand
	decision := types.Decision{
		PacketID:           cand.PacketID,
		CandidateID:        cand.CandidateID,
		InvocationID:       ulid.Make().String(),
		Model:              e.ProModel,
		RequestWindowStart: cand.StartS,
		RequestWindowEnd:   cand.EndS,
		Status:             types.DecisionFallback,
	}

	if !uploaded {
		ev := proFallback(pc.orderIdx, cand, pc.flash, "Fallback path used due to missing model file upload.")
		decision.Response = toMap(ev)
		return proResult{queueIdx: queueIdx, event: ev, decision: decision}
	}

	prompt := fmt.Sprintf(
		"You are producing an evidence-only traffic violation record. "+
			"Use packet_id exactly as provided: %s. "+
			"If plate is unreadable, return plate_text as null. "+
			"If uncertain set uncertain true with reason.",
		cand.PacketID,
	)
	fps := 2
	if cand.EventType == types.RecklessDriving {
		fps = 4
	}

	payload, latency, attempts, _ := e.invoke(ctx, types.StagePro, gemini.GenerateRequest{
		Model:      e.ProModel,
		File:       fileRef,
		StartS:     cand.StartS,
		EndS:       cand.EndS,
		FPS:        fps,
		Prompt:     prompt,
		SchemaJSON: gemini.ProSchemaJSON,
	}, cand.PacketID, perf.ProTimeoutSec, perf.RetryAttempts)
	decision.LatencyMS = latency
	decision.Attempts = attempts

	if payload == nil {
		ev := proFallback(pc.orderIdx, cand, pc.flash, "Fallback path used due to unavailable or failed Pro inference.")
		decision.ErrorDetail = "pro_failed_or_timeout"
		decision.Response = toMap(ev)
		return proResult{queueIdx: queueIdx, event: ev, decision: decision, errored: true}
	}

	if returned, _ := payload["packet_id"].(string); returned != cand.PacketID {
		ev := proFallback(pc.orderIdx, cand, pc.flash, "Fallback path used due to schema mismatch.")
		decision.ErrorDetail = "SCHEMA_PACKET_MISMATCH"
		decision.Response = toMap(ev)
		return proResult{queueIdx: queueIdx, event: ev, decision: decision, errored: true}
	}

	event, err := bindProEvent(payload, cand.PacketID)
	if err != nil {
		ev := proFallback(pc.orderIdx, cand, pc.flash, "Fallback path used due to Pro schema validation failure.")
		decision.ErrorDetail = "pro_schema_validation_failed"
		decision.Response = toMap(ev)
		return proResult{queueIdx: queueIdx, event: ev, decision: decision, errored: true}
	}

	decision.Status = types.DecisionOK
	decision.Response = toMap(event)
	return proResult{queueIdx: queueIdx, event: event, decision: decision}
}

// invoke calls the model with a per-attempt wall-clock deadline and
// exponential backoff between attempts. Non-retryable transport errors stop
// the loop early. Latency is the sum over attempts.
func (e *Executor) invoke(ctx context.Context, stage types.Stage, req gemini.GenerateRequest, packetID string, timeoutSec, retries int) (map[string]any, int64, int, error) {
	var payload map[string]any
	var lastErr error
	var latency int64
	attempts := 0

	for attempt := 0; attempt <= retries; attempt++ {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		started := time.Now()
		p, err := e.Client.Generate(attemptCtx, req)
		latency += time.Since(started).Milliseconds()
		cancel()
		if err == nil {
			payload = p
			e.Logger.Info(stage, "gemini_response", "Model call completed", map[string]any{
				"packet_id":   packetID,
				"model":       req.Model,
				"duration_ms": latency,
			})
			break
		}
		lastErr = err
		e.Logger.Error(stage, "gemini_retry", "Model call failed", map[string]any{
			"packet_id":    packetID,
			"retry_count":  attempt + 1,
			"error_detail": err.Error(),
		})
		if ge, ok := err.(gemini.Error); ok && !ge.Retryable() {
			break
		}
		if attempt < retries {
			if !sleepWithContext(ctx, time.Duration(1<<attempt)*time.Second) {
				break
			}
		}
	}
	return payload, latency, attempts, lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// bindFlashEvent validates the raw payload against the Flash schema and
// decodes it into a FlashEvent.
func bindFlashEvent(payload map[string]any) (types.FlashEvent, error) {
	if err := validateAgainst(flashSchema, payload); err != nil {
		return types.FlashEvent{}, err
	}
	var event types.FlashEvent
	if err := decodeInto(payload, &event); err != nil {
		return types.FlashEvent{}, err
	}
	if !event.EventType.Valid() {
		return types.FlashEvent{}, fmt.Errorf("invalid event_type %q", event.EventType)
	}
	return event, nil
}

// bindProEvent validates and decodes a Pro payload into a FinalEvent with
// PRO_FINAL provenance.
func bindProEvent(payload map[string]any, packetID string) (types.FinalEvent, error) {
	if err := validateAgainst(proSchema, payload); err != nil {
		return types.FinalEvent{}, err
	}
	var raw struct {
		EventID             string            `json:"event_id"`
		EventType           string            `json:"event_type"`
		StartTime           float64           `json:"start_time"`
		EndTime             float64           `json:"end_time"`
		Confidence          float64           `json:"confidence"`
		RiskScoreGemini     float64           `json:"risk_score_gemini"`
		ViolatorDescription string            `json:"violator_description"`
		PlateText           *string           `json:"plate_text"`
		PlateCandidates     []string          `json:"plate_candidates"`
		KeyMoments          []types.KeyMoment `json:"key_moments"`
		ExplanationShort    string            `json:"explanation_short"`
		Uncertain           bool              `json:"uncertain"`
		UncertaintyReason   *string           `json:"uncertainty_reason"`
	}
	if err := decodeInto(payload, &raw); err != nil {
		return types.FinalEvent{}, err
	}
	eventType, err := types.ParseViolationType(raw.EventType)
	if err != nil {
		return types.FinalEvent{}, err
	}
	if raw.PlateCandidates == nil {
		raw.PlateCandidates = []string{}
	}
	if raw.KeyMoments == nil {
		raw.KeyMoments = []types.KeyMoment{}
	}
	return types.FinalEvent{
		EventID:             raw.EventID,
		PacketID:            packetID,
		SourceStage:         types.SourceProFinal,
		EventType:           eventType,
		StartTime:           raw.StartTime,
		EndTime:             raw.EndTime,
		Confidence:          raw.Confidence,
		RiskScore:           raw.RiskScoreGemini,
		ViolatorDescription: raw.ViolatorDescription,
		PlateText:           raw.PlateText,
		PlateCandidates:     raw.PlateCandidates,
		KeyMoments:          raw.KeyMoments,
		ExplanationShort:    raw.ExplanationShort,
		Uncertain:           raw.Uncertain,
		UncertaintyReason:   raw.UncertaintyReason,
		EvidenceFrames:      []string{},
		ReportImages:        []string{},
	}, nil
}

func validateAgainst(schema *jsonschema.Schema, payload map[string]any) error {
	// Round-trip through encoding/json so numeric types match what the
	// validator expects from decoded JSON.
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	return schema.Validate(generic)
}

func decodeInto(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
