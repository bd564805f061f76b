// Package merge fuses local scores with the tier decisions into final
// events and writes the per-packet provenance trace. Events and traces are
// write-once artifacts.
package merge

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/proposal"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/types"
)

type decisionsPayload struct {
	Decisions []types.Decision `json:"decisions"`
}

// Result carries the merged outputs.
type Result struct {
	Events []types.FinalEvent
	Trace  types.Trace
}

// Run joins packets (ascending candidate rank) against both decision sets,
// emits events_final.json and trace.json, and returns the merged result.
func Run(runDir string, logger *runlog.Logger) (*Result, error) {
	stage := types.StagePostprocess
	started := time.Now()
	logger.Info(stage, "stage_started", "Merging model outputs", nil)

	var packets proposal.PacketsPayload
	if jsonio.Exists(filepath.Join(runDir, "packets.json")) {
		if err := jsonio.Read(filepath.Join(runDir, "packets.json"), &packets); err != nil {
			return nil, fmt.Errorf("read packets: %w", err)
		}
	}
	flashByPacket, err := readDecisions(filepath.Join(runDir, "flash_decisions.json"))
	if err != nil {
		return nil, err
	}
	proByPacket, err := readDecisions(filepath.Join(runDir, "pro_decisions.json"))
	if err != nil {
		return nil, err
	}

	ordered := make([]types.Candidate, len(packets.Packets))
	copy(ordered, packets.Packets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CandidateRank < ordered[j].CandidateRank
	})

	var events []types.FinalEvent
	var entries []types.TraceEntry
	proFinal, flashOnly := 0, 0
	counter := 1

	for _, pkt := range ordered {
		entry := types.TraceEntry{
			PacketID:     pkt.PacketID,
			CandidateID:  pkt.CandidateID,
			EventType:    pkt.EventType,
			LocalScore:   pkt.Score,
			Features:     pkt.FeatureSnapshot,
			AnchorFrames: pkt.AnchorFrames,
			Routing:      pkt.Routing,
		}
		flashDec, hasFlash := flashByPacket[pkt.PacketID]
		proDec, hasPro := proByPacket[pkt.PacketID]
		if hasFlash {
			entry.Flash = &types.TierDecision{Status: flashDec.Status, LatencyMS: flashDec.LatencyMS, Response: flashDec.Response}
		}
		if hasPro {
			entry.Pro = &types.TierDecision{Status: proDec.Status, LatencyMS: proDec.LatencyMS, Response: proDec.Response}
		}

		switch {
		case hasPro && proDec.Response != nil:
			ev := proFinalEvent(runDir, pkt, proDec.Response)
			events = append(events, ev)
			proFinal++
			entry.FinalEventID = &ev.EventID

		case hasFlash && responseRelevant(flashDec.Response):
			ev := flashOnlyEvent(runDir, pkt, flashDec.Response, counter)
			counter++
			events = append(events, ev)
			flashOnly++
			entry.FinalEventID = &ev.EventID

		default:
			reason := droppedReason(pkt, flashDec, hasFlash)
			entry.DroppedReason = &reason
		}
		entries = append(entries, entry)
	}

	events = dedupeOverlaps(events)

	trace := types.Trace{
		Summary: types.TraceSummary{
			PacketsTotal:    len(ordered),
			FinalEvents:     len(events),
			DroppedPackets:  len(entries) - countFinalized(entries),
			ProFinalEvents:  proFinal,
			FlashOnlyEvents: flashOnly,
		},
		Packets: entries,
	}

	if events == nil {
		events = []types.FinalEvent{}
	}
	if err := jsonio.Write(filepath.Join(runDir, "events_final.json"), map[string]any{"events": events}); err != nil {
		return nil, err
	}
	if err := jsonio.Write(filepath.Join(runDir, "trace.json"), trace); err != nil {
		return nil, err
	}

	logger.Info(stage, "stage_completed", "Merge completed", map[string]any{
		"duration_ms": time.Since(started).Milliseconds(),
		"event_count": len(events),
	})
	return &Result{Events: events, Trace: trace}, nil
}

func readDecisions(path string) (map[string]types.Decision, error) {
	out := make(map[string]types.Decision)
	if !jsonio.Exists(path) {
		return out, nil
	}
	var payload decisionsPayload
	if err := jsonio.Read(path, &payload); err != nil {
		return nil, err
	}
	for _, d := range payload.Decisions {
		out[d.PacketID] = d
	}
	return out, nil
}

// proFinalEvent blends the local score into the Pro verdict:
// confidence = round(0.45*local + 0.55*pro, 3),
// risk = round(0.4*(local*100) + 0.6*pro_risk, 2).
func proFinalEvent(runDir string, pkt types.Candidate, resp map[string]any) types.FinalEvent {
	var ev types.FinalEvent
	decodeResponse(resp, &ev)
	ev.PacketID = pkt.PacketID
	ev.SourceStage = types.SourceProFinal
	ev.Confidence = types.Round(0.45*pkt.Score+0.55*ev.Confidence, 3)
	ev.RiskScore = types.Round(0.4*(pkt.Score*100)+0.6*ev.RiskScore, 2)
	ev.EvidenceFrames = evidenceFrames(runDir, pkt)
	if ev.ReportImages == nil {
		ev.ReportImages = []string{}
	}
	if ev.PlateCandidates == nil {
		ev.PlateCandidates = []string{}
	}
	if ev.KeyMoments == nil {
		ev.KeyMoments = []types.KeyMoment{}
	}
	return ev
}

// flashOnlyEvent finalises a relevant Flash verdict that was never
// escalated: confidence = round(0.45*local + 0.55*flash, 3),
// risk = round(0.7*local*100, 2), always uncertain.
func flashOnlyEvent(runDir string, pkt types.Candidate, resp map[string]any, counter int) types.FinalEvent {
	var flash types.FlashEvent
	decodeResponse(resp, &flash)
	reason := "Not escalated to Pro"
	return types.FinalEvent{
		EventID:             fmt.Sprintf("evt_%03d_%s", counter, pkt.PacketID),
		PacketID:            pkt.PacketID,
		SourceStage:         types.SourceFlashOnly,
		EventType:           flash.EventType,
		StartTime:           flash.StartTime,
		EndTime:             flash.EndTime,
		Confidence:          types.Round(0.45*pkt.Score+0.55*flash.Confidence, 3),
		RiskScore:           types.Round(pkt.Score*100*0.7, 2),
		ViolatorDescription: flash.ViolatorDescription,
		PlateText:           nil,
		PlateCandidates:     []string{},
		EvidenceFrames:      evidenceFrames(runDir, pkt),
		ReportImages:        []string{},
		KeyMoments:          []types.KeyMoment{{T: flash.StartTime, Note: "Flash-only event"}},
		ExplanationShort:    "Potential event identified by local pipeline and Flash validation.",
		Uncertain:           true,
		UncertaintyReason:   &reason,
	}
}

func droppedReason(pkt types.Candidate, flashDec types.Decision, hasFlash bool) string {
	if n := len(pkt.Routing.RoutingReason); n > 0 {
		return pkt.Routing.RoutingReason[n-1]
	}
	if hasFlash && !responseRelevant(flashDec.Response) {
		return "flash_not_relevant"
	}
	return "not_processed"
}

func responseRelevant(resp map[string]any) bool {
	if resp == nil {
		return false
	}
	relevant, _ := resp["is_relevant"].(bool)
	return relevant
}

// evidenceFrames returns up to three anchor paths, made run-dir-relative
// when possible.
func evidenceFrames(runDir string, pkt types.Candidate) []string {
	out := make([]string, 0, 3)
	for _, p := range pkt.AnchorFrames {
		if len(out) == 3 {
			break
		}
		if rel, err := filepath.Rel(runDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			out = append(out, rel)
			continue
		}
		out = append(out, p)
	}
	return out
}

// dedupeOverlaps collapses same-type events whose windows overlap by more
// than 0.4 of the shorter window, keeping the higher confidence.
func dedupeOverlaps(events []types.FinalEvent) []types.FinalEvent {
	sorted := make([]types.FinalEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	var kept []types.FinalEvent
	for _, ev := range sorted {
		duplicate := false
		for i, prior := range kept {
			if prior.EventType != ev.EventType {
				continue
			}
			overlap := math.Max(0, math.Min(prior.EndTime, ev.EndTime)-math.Max(prior.StartTime, ev.StartTime))
			shorter := math.Min(prior.EndTime-prior.StartTime, ev.EndTime-ev.StartTime)
			if shorter > 0 && overlap/shorter > 0.4 {
				duplicate = true
				if ev.Confidence > prior.Confidence {
					kept[i] = ev
				}
				break
			}
		}
		if !duplicate {
			kept = append(kept, ev)
		}
	}
	return kept
}

func decodeResponse(resp map[string]any, v any) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

func countFinalized(entries []types.TraceEntry) int {
	n := 0
	for _, e := range entries {
		if e.FinalEventID != nil {
			n++
		}
	}
	return n
}
