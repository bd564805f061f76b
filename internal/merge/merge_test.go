package merge

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/proposal"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/types"
)

func testCandidate(runID string, n int, vt types.ViolationType, start, end, score float64) types.Candidate {
	cid := fmt.Sprintf("cand_%03d", n)
	c := types.Candidate{
		CandidateID:     cid,
		CandidateRank:   n - 1,
		EventType:       vt,
		StartS:          start,
		EndS:            end,
		Score:           score,
		AnchorFrames:    []string{},
		TrackIDs:        []int{},
		ReasonCodes:     []string{},
		FeatureSnapshot: map[string]float64{},
		Routing:         types.Routing{RoutingReason: []string{}},
	}
	c.PacketID = types.PacketID(runID, cid, start, end)
	return c
}

func setupRunDir(t *testing.T, runID string, packets []types.Candidate, flash, pro []types.Decision) (string, *runlog.Logger) {
	t.Helper()
	dir := t.TempDir()
	if err := jsonio.Write(filepath.Join(dir, "packets.json"),
		proposal.PacketsPayload{RunID: runID, Packets: packets}); err != nil {
		t.Fatalf("write packets: %v", err)
	}
	if err := jsonio.Write(filepath.Join(dir, "flash_decisions.json"),
		map[string]any{"decisions": flash}); err != nil {
		t.Fatalf("write flash decisions: %v", err)
	}
	if err := jsonio.Write(filepath.Join(dir, "pro_decisions.json"),
		map[string]any{"decisions": pro}); err != nil {
		t.Fatalf("write pro decisions: %v", err)
	}
	logger, err := runlog.Open(runID, filepath.Join(dir, "pipeline.log.jsonl"))
	if err != nil {
		t.Fatalf("open run log: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return dir, logger
}

func flashResponse(pkt string, vt types.ViolationType, conf float64, relevant bool) map[string]any {
	return map[string]any{
		"packet_id":            pkt,
		"is_relevant":          relevant,
		"event_type":           string(vt),
		"confidence":           conf,
		"start_time":           1.0,
		"end_time":             5.0,
		"violator_description": "rider on motorbike",
	}
}

func proResponse(pkt string, vt types.ViolationType, conf, risk, start, end float64) map[string]any {
	return map[string]any{
		"event_id":             "evt_900_" + pkt,
		"packet_id":            pkt,
		"source_stage":         "PRO_FINAL",
		"event_type":           string(vt),
		"start_time":           start,
		"end_time":             end,
		"confidence":           conf,
		"risk_score":           risk,
		"violator_description": "rider without helmet",
		"explanation_short":    "Clear violation.",
	}
}

func TestProFinalBlend(t *testing.T) {
	runID := "run_mg00000001"
	pkt := testCandidate(runID, 1, types.NoHelmet, 1.0, 5.0, 0.6)
	flash := []types.Decision{{
		PacketID: pkt.PacketID, Status: types.DecisionOK, LatencyMS: 120,
		Response: flashResponse(pkt.PacketID, types.NoHelmet, 0.55, true),
	}}
	pro := []types.Decision{{
		PacketID: pkt.PacketID, Status: types.DecisionOK, LatencyMS: 800,
		Response: proResponse(pkt.PacketID, types.NoHelmet, 0.9, 80.0, 1.0, 5.0),
	}}
	dir, logger := setupRunDir(t, runID, []types.Candidate{pkt}, flash, pro)

	result, err := Run(dir, logger)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	ev := result.Events[0]
	if ev.SourceStage != types.SourceProFinal {
		t.Fatalf("source = %q", ev.SourceStage)
	}
	if ev.Confidence != 0.765 {
		t.Fatalf("confidence = %v, want 0.765", ev.Confidence)
	}
	if ev.RiskScore != 72.0 {
		t.Fatalf("risk = %v, want 72.0", ev.RiskScore)
	}
	if result.Trace.Summary.ProFinalEvents != 1 || result.Trace.Summary.FlashOnlyEvents != 0 {
		t.Fatalf("summary = %+v", result.Trace.Summary)
	}

	entry := result.Trace.Packets[0]
	if entry.Flash == nil || entry.Pro == nil {
		t.Fatal("trace entry missing tier decisions")
	}
	if entry.FinalEventID == nil || *entry.FinalEventID != ev.EventID {
		t.Fatalf("final_event_id = %v", entry.FinalEventID)
	}
}

func TestFlashOnlyBlend(t *testing.T) {
	runID := "run_mg00000002"
	pkt := testCandidate(runID, 1, types.RedLightJump, 2.0, 7.0, 0.7)
	flash := []types.Decision{{
		PacketID: pkt.PacketID, Status: types.DecisionOK,
		Response: flashResponse(pkt.PacketID, types.RedLightJump, 0.8, true),
	}}
	dir, logger := setupRunDir(t, runID, []types.Candidate{pkt}, flash, nil)

	result, err := Run(dir, logger)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(result.Events))
	}
	ev := result.Events[0]
	if ev.SourceStage != types.SourceFlashOnly {
		t.Fatalf("source = %q", ev.SourceStage)
	}
	if want := "evt_001_" + pkt.PacketID; ev.EventID != want {
		t.Fatalf("event_id = %q, want %q", ev.EventID, want)
	}
	if ev.Confidence != 0.755 {
		t.Fatalf("confidence = %v, want 0.755", ev.Confidence)
	}
	if ev.RiskScore != 49.0 {
		t.Fatalf("risk = %v, want 49.0", ev.RiskScore)
	}
	if !ev.Uncertain || ev.UncertaintyReason == nil || *ev.UncertaintyReason != "Not escalated to Pro" {
		t.Fatalf("uncertainty wrong: %v %v", ev.Uncertain, ev.UncertaintyReason)
	}
}

func TestDroppedReasons(t *testing.T) {
	runID := "run_mg00000003"
	withReason := testCandidate(runID, 1, types.NoHelmet, 0.0, 4.0, 0.45)
	withReason.Routing.RoutingReason = []string{"local_score_below_flash_threshold"}

	notRelevant := testCandidate(runID, 2, types.RedLightJump, 10.0, 14.0, 0.6)
	untouched := testCandidate(runID, 3, types.WrongSideDriving, 20.0, 24.0, 0.55)

	flash := []types.Decision{{
		PacketID: notRelevant.PacketID, Status: types.DecisionOK,
		Response: flashResponse(notRelevant.PacketID, types.RedLightJump, 0.3, false),
	}}
	dir, logger := setupRunDir(t, runID, []types.Candidate{withReason, notRelevant, untouched}, flash, nil)

	result, err := Run(dir, logger)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(result.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(result.Events))
	}
	if result.Trace.Summary.DroppedPackets != 3 || result.Trace.Summary.PacketsTotal != 3 {
		t.Fatalf("summary = %+v", result.Trace.Summary)
	}

	reasons := map[string]string{}
	for _, entry := range result.Trace.Packets {
		if entry.DroppedReason == nil {
			t.Fatalf("packet %s has no dropped reason", entry.PacketID)
		}
		reasons[entry.PacketID] = *entry.DroppedReason
	}
	if reasons[withReason.PacketID] != "local_score_below_flash_threshold" {
		t.Fatalf("reason = %q", reasons[withReason.PacketID])
	}
	if reasons[notRelevant.PacketID] != "flash_not_relevant" {
		t.Fatalf("reason = %q", reasons[notRelevant.PacketID])
	}
	if reasons[untouched.PacketID] != "not_processed" {
		t.Fatalf("reason = %q", reasons[untouched.PacketID])
	}
}

func TestTraceAccounting(t *testing.T) {
	runID := "run_mg00000004"
	finalized := testCandidate(runID, 1, types.NoHelmet, 0.0, 4.0, 0.7)
	dropped := testCandidate(runID, 2, types.NoHelmet, 30.0, 34.0, 0.4)
	dropped.Routing.RoutingReason = []string{"local_score_below_flash_threshold"}

	flash := []types.Decision{{
		PacketID: finalized.PacketID, Status: types.DecisionOK,
		Response: flashResponse(finalized.PacketID, types.NoHelmet, 0.9, true),
	}}
	dir, logger := setupRunDir(t, runID, []types.Candidate{finalized, dropped}, flash, nil)

	result, err := Run(dir, logger)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	s := result.Trace.Summary
	if s.FinalEvents+s.DroppedPackets != s.PacketsTotal {
		t.Fatalf("accounting broken: %+v", s)
	}
	if !jsonio.Exists(filepath.Join(dir, "events_final.json")) || !jsonio.Exists(filepath.Join(dir, "trace.json")) {
		t.Fatal("merge artifacts not written")
	}
}

func TestDedupeOverlaps(t *testing.T) {
	mk := func(id string, vt types.ViolationType, start, end, conf float64) types.FinalEvent {
		return types.FinalEvent{EventID: id, EventType: vt, StartTime: start, EndTime: end, Confidence: conf}
	}

	t.Run("keeps higher confidence on heavy overlap", func(t *testing.T) {
		got := dedupeOverlaps([]types.FinalEvent{
			mk("a", types.NoHelmet, 0.0, 10.0, 0.6),
			mk("b", types.NoHelmet, 1.0, 9.0, 0.9),
		})
		if len(got) != 1 || got[0].EventID != "b" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("different types never collapse", func(t *testing.T) {
		got := dedupeOverlaps([]types.FinalEvent{
			mk("a", types.NoHelmet, 0.0, 10.0, 0.6),
			mk("b", types.RedLightJump, 0.0, 10.0, 0.9),
		})
		if len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
	})

	t.Run("light overlap is kept", func(t *testing.T) {
		got := dedupeOverlaps([]types.FinalEvent{
			mk("a", types.NoHelmet, 0.0, 10.0, 0.6),
			mk("b", types.NoHelmet, 8.0, 18.0, 0.9),
		})
		if len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
	})
}
