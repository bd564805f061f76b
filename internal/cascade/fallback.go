package cascade

import (
	"fmt"

	"github.com/civic-lens/civiclens/internal/types"
)

// flashFallback is the deterministic local substitute for a failed or
// unavailable Flash call. The verdict is a pure function of the candidate.
func flashFallback(cand types.Candidate) types.FlashEvent {
	confidence := cand.Score
	if confidence < 0.2 {
		confidence = 0.2
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	uncertain := cand.Score < 0.82
	ev := types.FlashEvent{
		PacketID:            cand.PacketID,
		CandidateID:         cand.CandidateID,
		IsRelevant:          cand.Score >= 0.55,
		EventType:           cand.EventType,
		Confidence:          types.Round(confidence, 3),
		StartTime:           cand.StartS,
		EndTime:             cand.EndS,
		PlateVisible:        false,
		ViolatorDescription: "Vehicle detected in candidate window",
		Uncertain:           uncertain,
		NeedsPro:            uncertain && cand.Score >= 0.55,
	}
	if uncertain {
		reason := "Local-only verdict without model confirmation"
		ev.UncertaintyReason = &reason
	}
	return ev
}

// proFallback is the deterministic Pro substitute: it inherits the Flash
// verdict's type, window, and confidence, and is always flagged uncertain.
func proFallback(orderIdx int, cand types.Candidate, flash types.FlashEvent, reason string) types.FinalEvent {
	return types.FinalEvent{
		EventID:             fmt.Sprintf("evt_%03d_%s", orderIdx+1, cand.PacketID),
		PacketID:            cand.PacketID,
		SourceStage:         types.SourceProFinal,
		EventType:           flash.EventType,
		Confidence:          flash.Confidence,
		RiskScore:           types.Round(cand.Score*100, 2),
		StartTime:           flash.StartTime,
		EndTime:             flash.EndTime,
		KeyMoments:          []types.KeyMoment{{T: flash.StartTime, Note: "Candidate activity starts"}},
		ViolatorDescription: flash.ViolatorDescription,
		PlateText:           nil,
		PlateCandidates:     []string{},
		ExplanationShort:    "Potential violation detected in candidate window. Manual review required.",
		Uncertain:           true,
		UncertaintyReason:   &reason,
		EvidenceFrames:      []string{},
		ReportImages:        []string{},
	}
}
