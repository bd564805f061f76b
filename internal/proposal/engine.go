// Package proposal scans the sampled frames for violation signals and emits
// ranked candidate packets, capped per type and in total. It is purely
// local: no model calls, plain arithmetic over decoded JPEGs.
package proposal

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/ingest"
	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/types"
)

// scoreBases are the per-type starting scores before the reckless-composite
// adjustment.
var scoreBases = map[types.ViolationType]float64{
	types.RedLightJump:     0.58,
	types.WrongSideDriving: 0.62,
	types.NoHelmet:         0.52,
	types.RecklessDriving:  0.64,
}

var reasonCodes = map[types.ViolationType][]string{
	types.RedLightJump:     {"RED_STATE_CONFIRMED", "STOP_LINE_ACTIVITY"},
	types.WrongSideDriving: {"DIRECTION_OPPOSITE", "LANE_ROI_MATCH"},
	types.NoHelmet:         {"BIKE_RIDER_PROXY", "HELMET_MISSING_PROXY"},
	types.RecklessDriving:  {"MOTION_SPIKE", "CONFLICT_RISK"},
}

// CandidatesPayload is the candidates.json document.
type CandidatesPayload struct {
	RunID      string            `json:"run_id"`
	Candidates []types.Candidate `json:"candidates"`
}

// PacketsPayload is the packets.json document: the same candidates with a
// routing scaffold the cascade later annotates.
type PacketsPayload struct {
	RunID   string            `json:"run_id"`
	Packets []types.Candidate `json:"packets"`
}

// Run executes the proposal stage over the manifest and persists
// candidates.json and packets.json. An empty candidate set is not an error.
func Run(runID, runDir string, manifest *ingest.Manifest, roi config.ROI, cfg config.Proposal, logger *runlog.Logger) (*CandidatesPayload, error) {
	stage := types.StageLocalProposals
	started := time.Now()
	logger.Info(stage, "stage_started", "Starting local proposal engine", nil)

	if len(manifest.Frames) == 0 {
		logger.Warn(stage, "stage_completed", "No frames in manifest", map[string]any{"duration_ms": int64(0)})
		payload := &CandidatesPayload{RunID: runID, Candidates: []types.Candidate{}}
		if err := persist(runDir, runID, payload.Candidates); err != nil {
			return nil, err
		}
		return payload, nil
	}

	hits, snapshots := scanFrames(manifest, roi, cfg)

	var raw []types.Candidate
	cid := 1
	add := func(eventType types.ViolationType, indices []int, k int) {
		for _, run := range groupRuns(indices, k) {
			raw = append(raw, buildCandidate(runID, &cid, eventType, run, manifest, snapshots))
		}
	}
	add(types.RedLightJump, intersect(hits.red, hits.motion), cfg.KRed)
	add(types.WrongSideDriving, hits.wrong, cfg.KWrong)
	add(types.NoHelmet, hits.helmet, cfg.KHelmet)
	add(types.RecklessDriving, hits.reckless, cfg.KReckless)

	pruned := prune(raw, cfg.MaxCandidatesTotal, cfg.MaxCandidatesPerType)
	for i := range pruned {
		pruned[i].CandidateRank = i
	}

	if err := persist(runDir, runID, pruned); err != nil {
		return nil, err
	}

	logger.Info(stage, "stage_completed", "Local proposals completed", map[string]any{
		"duration_ms":     time.Since(started).Milliseconds(),
		"candidate_count": len(pruned),
	})
	if len(pruned) == 0 {
		logger.Warn(stage, "candidate_empty_warning", "No candidates generated", map[string]any{
			"error_code": "CANDIDATE_EMPTY_WARNING",
		})
	}
	return &CandidatesPayload{RunID: runID, Candidates: pruned}, nil
}

type hitSets struct {
	red, motion, wrong, reckless, helmet []int
}

// scanFrames computes the per-frame signals and threshold hit sets.
func scanFrames(manifest *ingest.Manifest, roi config.ROI, cfg config.Proposal) (hitSets, map[int]frameSnapshot) {
	var hits hitSets
	snapshots := make(map[int]frameSnapshot, len(manifest.Frames))

	w, h := manifest.Frames[0].Width, manifest.Frames[0].Height
	if w <= 0 || h <= 0 {
		return hits, snapshots
	}
	signalMask := polygonMask(w, h, denormalizePolygon(roi.SignalROIPolygon, w, h))
	wrongMask := polygonMask(w, h, denormalizePolygon(roi.WrongSideLanePolygon, w, h))
	haveSignal := maskAny(signalMask)
	haveWrong := maskAny(wrongMask)

	dirX, dirY := roi.ExpectedDirectionVector[0], roi.ExpectedDirectionVector[1]
	if mag := math.Hypot(dirX, dirY); mag > 0 {
		dirX, dirY = dirX/mag, dirY/mag
	} else {
		dirX, dirY = 1, 0
	}

	bg := newBackground(1.0/60.0, 32)

	var prev *grayFrame
	var prevCentroid Point
	havePrevCentroid := false

	for i, meta := range manifest.Frames {
		gray, img, err := loadGray(meta.Path, w, h)
		if err != nil {
			continue
		}
		fg := bg.apply(gray)

		var snap frameSnapshot

		if haveSignal {
			snap.RedScore = redDominance(img, signalMask, w)
			if snap.RedScore >= cfg.RedThreshold {
				hits.red = append(hits.red, i)
			}
		}

		snap.MotionScore = meanAbsDiff(gray, prev)
		if prev != nil && snap.MotionScore >= cfg.MotionThreshold {
			hits.motion = append(hits.motion, i)
		}

		if prev != nil && haveWrong {
			if centroid, ok := motionCentroid(gray, prev, wrongMask); ok {
				if cos, ok := flowCosine(centroid, prevCentroid, havePrevCentroid, dirX, dirY); ok {
					snap.FlowCos = cos
					if cos <= cfg.WrongFlowThreshold {
						hits.wrong = append(hits.wrong, i)
					}
				}
				prevCentroid = centroid
				havePrevCentroid = true
			}
		}

		snap.FgRatio = foregroundRatio(fg)
		snap.RecklessScore = math.Min(1.0,
			(snap.MotionScore/80.0)*0.5+snap.FgRatio*1.2+math.Max(0, -snap.FlowCos)*0.3)
		if snap.RecklessScore >= cfg.RiskThreshold {
			hits.reckless = append(hits.reckless, i)
		}

		if centralForegroundRatio(fg, gray.width, gray.height) > 0.2 &&
			snap.MotionScore > cfg.MotionThreshold*0.6 {
			hits.helmet = append(hits.helmet, i)
		}

		snapshots[i] = snap
		prev = gray
	}
	return hits, snapshots
}

// groupRuns coalesces consecutive sample indices and keeps runs of length
// at least k.
func groupRuns(indices []int, k int) [][2]int {
	if len(indices) == 0 {
		return nil
	}
	var runs [][2]int
	start, prev := indices[0], indices[0]
	for _, idx := range indices[1:] {
		if idx == prev+1 {
			prev = idx
			continue
		}
		if prev-start+1 >= k {
			runs = append(runs, [2]int{start, prev})
		}
		start, prev = idx, idx
	}
	if prev-start+1 >= k {
		runs = append(runs, [2]int{start, prev})
	}
	return runs
}

func buildCandidate(runID string, cid *int, eventType types.ViolationType, run [2]int, manifest *ingest.Manifest, snapshots map[int]frameSnapshot) types.Candidate {
	frames := manifest.Frames
	startTs := math.Max(0, frames[run[0]].TsSec-1.0)
	endTs := math.Min(manifest.DurationSec, frames[run[1]].TsSec+1.0)

	peak := (run[0] + run[1]) / 2
	if peak < 0 {
		peak = 0
	}
	if peak >= len(frames) {
		peak = len(frames) - 1
	}
	snap := snapshots[peak]
	score := types.Clamp01(scoreBases[eventType] + snap.RecklessScore*0.25)

	candidateID := fmt.Sprintf("cand_%03d", *cid)
	*cid++

	c := types.Candidate{
		CandidateID: candidateID,
		EventType:   eventType,
		StartS:      types.Round(startTs, 3),
		EndS:        types.Round(endTs, 3),
		Score:       types.Round(score, 3),
		TrackIDs:    []int{},
		ReasonCodes: reasonCodes[eventType],
		FeatureSnapshot: map[string]float64{
			"red_score":      types.Round(snap.RedScore, 4),
			"motion_score":   types.Round(snap.MotionScore, 4),
			"flow_cos":       types.Round(snap.FlowCos, 4),
			"fg_ratio":       types.Round(snap.FgRatio, 4),
			"reckless_score": types.Round(snap.RecklessScore, 4),
		},
		AnchorFrames: anchorFrames(frames, run),
		Routing:      types.Routing{RoutingReason: []string{}},
	}
	c.PacketID = types.PacketID(runID, candidateID, c.StartS, c.EndS)
	return c
}

// anchorFrames picks up to three representative frame paths from the run:
// first, midpoint, last.
func anchorFrames(frames []ingest.Frame, run [2]int) []string {
	span := run[1] - run[0] + 1
	if span <= 0 {
		return []string{}
	}
	if span <= 3 {
		out := make([]string, 0, span)
		for i := run[0]; i <= run[1]; i++ {
			out = append(out, frames[i].Path)
		}
		return out
	}
	mid := run[0] + span/2
	return []string{frames[run[0]].Path, frames[mid].Path, frames[run[1]].Path}
}

// prune sorts by score descending and drops candidates past the per-type
// cap, the total cap, or that heavily overlap an already-kept same-type
// window.
func prune(raw []types.Candidate, maxTotal, maxPerType int) []types.Candidate {
	sorted := make([]types.Candidate, len(raw))
	copy(sorted, raw)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	perType := make(map[types.ViolationType]int)
	kept := make([]types.Candidate, 0, len(sorted))
	for _, cand := range sorted {
		if len(kept) >= maxTotal {
			break
		}
		if perType[cand.EventType] >= maxPerType {
			continue
		}
		overlapping := false
		for _, existing := range kept {
			if existing.EventType != cand.EventType {
				continue
			}
			overlap := math.Max(0, math.Min(existing.EndS, cand.EndS)-math.Max(existing.StartS, cand.StartS))
			shorter := math.Min(existing.EndS-existing.StartS, cand.EndS-cand.StartS)
			if shorter > 0 && overlap/shorter > 0.4 {
				overlapping = true
				break
			}
		}
		if overlapping {
			continue
		}
		kept = append(kept, cand)
		perType[cand.EventType]++
	}
	return kept
}

func persist(runDir, runID string, candidates []types.Candidate) error {
	if err := jsonio.Write(filepath.Join(runDir, "candidates.json"),
		CandidatesPayload{RunID: runID, Candidates: candidates}); err != nil {
		return err
	}
	return jsonio.Write(filepath.Join(runDir, "packets.json"),
		PacketsPayload{RunID: runID, Packets: candidates})
}

func intersect(a, b []int) []int {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []int
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
