// Package types holds the shared data model for a video analysis run:
// candidates proposed by the local engine, model-tier verdicts, merged
// final events, and run status records.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StatePending        RunState = "PENDING"
	StateRunning        RunState = "RUNNING"
	StateFailed         RunState = "FAILED"
	StateReadyForReview RunState = "READY_FOR_REVIEW"
	StateExported       RunState = "EXPORTED"
)

// ParseRunState validates a state string read from disk.
func ParseRunState(s string) (RunState, error) {
	switch RunState(strings.TrimSpace(s)) {
	case StatePending, StateRunning, StateFailed, StateReadyForReview, StateExported:
		return RunState(strings.TrimSpace(s)), nil
	default:
		return "", fmt.Errorf("unknown run state: %q", s)
	}
}

// Stage identifies a pipeline stage.
type Stage string

const (
	StageIngest         Stage = "INGEST"
	StageLocalProposals Stage = "LOCAL_PROPOSALS"
	StageFlash          Stage = "GEMINI_FLASH"
	StagePro            Stage = "GEMINI_PRO"
	StagePostprocess    Stage = "POSTPROCESS"
	StageReadyForReview Stage = "READY_FOR_REVIEW"
	StageExport         Stage = "EXPORT"
)

// ParseStage validates a stage string read from disk.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.TrimSpace(s)) {
	case StageIngest, StageLocalProposals, StageFlash, StagePro,
		StagePostprocess, StageReadyForReview, StageExport:
		return Stage(strings.TrimSpace(s)), nil
	default:
		return "", fmt.Errorf("unknown stage: %q", s)
	}
}

// ViolationType is the closed set of violation categories the local engine
// and the model tiers agree on.
type ViolationType string

const (
	NoHelmet         ViolationType = "NO_HELMET"
	RedLightJump     ViolationType = "RED_LIGHT_JUMP"
	WrongSideDriving ViolationType = "WRONG_SIDE_DRIVING"
	RecklessDriving  ViolationType = "RECKLESS_DRIVING"
)

// Valid reports whether v is a known violation type.
func (v ViolationType) Valid() bool {
	switch v {
	case NoHelmet, RedLightJump, WrongSideDriving, RecklessDriving:
		return true
	}
	return false
}

// ParseViolationType validates a violation type string.
func ParseViolationType(s string) (ViolationType, error) {
	v := ViolationType(strings.TrimSpace(s))
	if !v.Valid() {
		return "", fmt.Errorf("unknown violation type: %q", s)
	}
	return v, nil
}

// Routing records which tiers a packet was sent to and why (or why not).
// Reasons are an insertion-ordered, deduplicated list.
type Routing struct {
	SentToFlash   bool     `json:"sent_to_flash"`
	SentToPro     bool     `json:"sent_to_pro"`
	RoutingReason []string `json:"routing_reason"`
}

// AddReason appends a reason unless it is already present.
func (r *Routing) AddReason(reason string) {
	for _, existing := range r.RoutingReason {
		if existing == reason {
			return
		}
	}
	r.RoutingReason = append(r.RoutingReason, reason)
}

// Candidate is a time window in the video proposed by local heuristics.
// The packet id is immutable and flows unchanged through every downstream
// artifact so each decision is traceable end to end.
type Candidate struct {
	PacketID        string             `json:"packet_id"`
	CandidateID     string             `json:"candidate_id"`
	CandidateRank   int                `json:"candidate_rank"`
	EventType       ViolationType      `json:"event_type"`
	StartS          float64            `json:"start_s"`
	EndS            float64            `json:"end_s"`
	Score           float64            `json:"score"`
	AnchorFrames    []string           `json:"anchor_frames"`
	TrackIDs        []int              `json:"track_ids"`
	ReasonCodes     []string           `json:"reason_codes"`
	FeatureSnapshot map[string]float64 `json:"feature_snapshot"`
	Routing         Routing            `json:"routing"`
}

// FlashEvent is the Flash-tier verdict for one packet.
type FlashEvent struct {
	PacketID           string        `json:"packet_id"`
	CandidateID        string        `json:"candidate_id"`
	IsRelevant         bool          `json:"is_relevant"`
	EventType          ViolationType `json:"event_type"`
	Confidence         float64       `json:"confidence"`
	StartTime          float64       `json:"start_time"`
	EndTime            float64       `json:"end_time"`
	PlateVisible       bool          `json:"plate_visible"`
	PlateText          *string       `json:"plate_text,omitempty"`
	ViolatorDescription string       `json:"violator_description"`
	Uncertain          bool          `json:"uncertain"`
	UncertaintyReason  *string       `json:"uncertainty_reason,omitempty"`
	NeedsPro           bool          `json:"needs_pro"`
}

// SourceStage tags where a final event was decided.
type SourceStage string

const (
	SourceProFinal  SourceStage = "PRO_FINAL"
	SourceFlashOnly SourceStage = "FLASH_ONLY"
)

// KeyMoment is a timestamped annotation inside an event window.
type KeyMoment struct {
	T    float64 `json:"t"`
	Note string  `json:"note"`
}

// FinalEvent is the merged, reviewer-visible outcome for one packet.
type FinalEvent struct {
	EventID             string        `json:"event_id"`
	PacketID            string        `json:"packet_id"`
	SourceStage         SourceStage   `json:"source_stage"`
	EventType           ViolationType `json:"event_type"`
	StartTime           float64       `json:"start_time"`
	EndTime             float64       `json:"end_time"`
	Confidence          float64       `json:"confidence"`
	RiskScore           float64       `json:"risk_score"`
	ViolatorDescription string        `json:"violator_description"`
	PlateText           *string       `json:"plate_text"`
	PlateCandidates     []string      `json:"plate_candidates"`
	EvidenceFrames      []string      `json:"evidence_frames"`
	ReportImages        []string      `json:"report_images"`
	EvidenceClipPath    *string       `json:"evidence_clip_path"`
	KeyMoments          []KeyMoment   `json:"key_moments"`
	ExplanationShort    string        `json:"explanation_short"`
	Uncertain           bool          `json:"uncertain"`
	UncertaintyReason   *string       `json:"uncertainty_reason"`
}

// Decision is the per-packet envelope recorded for each model tier.
type Decision struct {
	PacketID           string         `json:"packet_id"`
	CandidateID        string         `json:"candidate_id"`
	InvocationID       string         `json:"invocation_id"`
	Model              string         `json:"model"`
	RequestWindowStart float64        `json:"request_window_start_s"`
	RequestWindowEnd   float64        `json:"request_window_end_s"`
	Status             string         `json:"status"`
	LatencyMS          int64          `json:"latency_ms"`
	Attempts           int            `json:"attempts"`
	ErrorDetail        string         `json:"error_detail,omitempty"`
	Response           map[string]any `json:"response,omitempty"`
}

const (
	DecisionOK       = "ok"
	DecisionFallback = "fallback"
)

// TierDecision is the trace view of a Decision: status, latency, response.
type TierDecision struct {
	Status    string         `json:"status"`
	LatencyMS int64          `json:"latency_ms"`
	Response  map[string]any `json:"response"`
}

// TraceEntry links one packet's local features through both model tiers to
// its final event or dropped reason.
type TraceEntry struct {
	PacketID      string             `json:"packet_id"`
	CandidateID   string             `json:"candidate_id"`
	EventType     ViolationType      `json:"event_type"`
	LocalScore    float64            `json:"local_score"`
	Features      map[string]float64 `json:"features"`
	AnchorFrames  []string           `json:"anchor_frames"`
	Routing       Routing            `json:"routing"`
	Flash         *TierDecision      `json:"flash"`
	Pro           *TierDecision      `json:"pro"`
	FinalEventID  *string            `json:"final_event_id"`
	DroppedReason *string            `json:"dropped_reason"`
}

// TraceSummary aggregates the trace for quick inspection.
type TraceSummary struct {
	PacketsTotal    int `json:"packets_total"`
	FinalEvents     int `json:"final_events"`
	DroppedPackets  int `json:"dropped_packets"`
	ProFinalEvents  int `json:"pro_final_events"`
	FlashOnlyEvents int `json:"flash_only_events"`
}

// Trace is the persisted per-run provenance artifact.
type Trace struct {
	Summary TraceSummary `json:"summary"`
	Packets []TraceEntry `json:"packets"`
}

// RunStatus is the externally visible status of a run.
type RunStatus struct {
	RunID        string           `json:"run_id"`
	State        RunState         `json:"state"`
	Stage        Stage            `json:"stage"`
	ProgressPct  int              `json:"progress_pct"`
	StageMessage string           `json:"stage_message,omitempty"`
	FailedStage  Stage            `json:"failed_stage,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	TimingsMS    map[Stage]int64  `json:"timings_ms"`
	Metrics      map[string]any   `json:"metrics"`
}

// RunRecord is the authoritative per-run record persisted as status.json.
type RunRecord struct {
	RunID         string    `json:"run_id"`
	VideoPath     string    `json:"video_path"`
	ROIConfigPath string    `json:"roi_config_path"`
	Status        RunStatus `json:"status"`
}

// ReviewDecision is a reviewer's verdict on one final event.
type ReviewDecision struct {
	EventID       string `json:"event_id"`
	Decision      string `json:"decision"`
	ReviewerNotes string `json:"reviewer_notes"`
	IncludePlate  bool   `json:"include_plate"`
}

// NewRunID returns "run_" plus 10 lowercase hex characters.
func NewRunID() string {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return "run_" + hex.EncodeToString(b[:])
}

// PacketID derives a stable, unique packet id for a candidate window.
// The same run, candidate, and window always hash to the same id.
func PacketID(runID, candidateID string, startS, endS float64) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%s|%d|%d", runID, candidateID, int64(startS*1000), int64(endS*1000))
	sum := h.Sum(nil)
	return "pkt_" + hex.EncodeToString(sum[:6])
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	pow := 1.0
	for i := 0; i < places; i++ {
		pow *= 10
	}
	if v >= 0 {
		return float64(int64(v*pow+0.5)) / pow
	}
	return float64(int64(v*pow-0.5)) / pow
}
