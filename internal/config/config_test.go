package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPerfYAML(t *testing.T) {
	path := writeFile(t, "perf.yaml", `
pipeline_mode: high_recall
gemini_flash_concurrency: 8
gemini_retry_attempts: 2
flash_min_local_score: 0.35
`)
	p := LoadPerf(path)
	if p.PipelineMode != "high_recall" {
		t.Fatalf("mode = %q", p.PipelineMode)
	}
	if p.FlashConcurrency != 8 || p.RetryAttempts != 2 {
		t.Fatalf("overrides not applied: %+v", p)
	}
	if p.FlashMinLocalScore != 0.35 {
		t.Fatalf("flash_min_local_score = %v", p.FlashMinLocalScore)
	}
	// Unset knobs keep their defaults.
	if p.ProTimeoutSec != 45 {
		t.Fatalf("pro timeout = %d, want default 45", p.ProTimeoutSec)
	}
}

func TestLoadPerfJSON(t *testing.T) {
	path := writeFile(t, "perf.json", `{"pipeline_mode": "fast", "gemini_pro_concurrency": 5}`)
	p := LoadPerf(path)
	if p.PipelineMode != "fast" || p.ProConcurrency != 5 {
		t.Fatalf("json load failed: %+v", p)
	}
}

func TestLoadPerfMalformedKeepsDefaults(t *testing.T) {
	path := writeFile(t, "perf.yaml", "{{{not yaml")
	p := LoadPerf(path)
	if p != DefaultPerf().Clamp() {
		t.Fatalf("malformed file changed config: %+v", p)
	}
}

func TestLoadPerfMissingKeepsDefaults(t *testing.T) {
	p := LoadPerf(filepath.Join(t.TempDir(), "nope.yaml"))
	if p != DefaultPerf().Clamp() {
		t.Fatalf("missing file changed config: %+v", p)
	}
}

func TestPerfClamp(t *testing.T) {
	p := Perf{
		FlashMaxCandidates:   -3,
		ProMaxCandidates:     -1,
		FlashConcurrency:     0,
		ProConcurrency:       0,
		FlashTimeoutSec:      1,
		ProTimeoutSec:        5,
		RetryAttempts:        -2,
		FlashMinLocalScore:   1.5,
		ProUncertainConfLow:  0.9,
		ProUncertainConfHigh: 0.4,
		DownscaleLongEdge:    100,
	}.Clamp()

	if p.PipelineMode != "balanced" {
		t.Fatalf("empty mode not defaulted: %q", p.PipelineMode)
	}
	if p.FlashMaxCandidates != 1 || p.FlashConcurrency != 1 || p.ProConcurrency != 1 {
		t.Fatalf("minimums not enforced: %+v", p)
	}
	if p.ProMaxCandidates != 0 {
		t.Fatalf("pro cap may be zero, got %d", p.ProMaxCandidates)
	}
	if p.FlashTimeoutSec != 10 || p.ProTimeoutSec != 10 {
		t.Fatalf("timeout floors not enforced: %+v", p)
	}
	if p.RetryAttempts != 0 {
		t.Fatalf("retries = %d, want 0", p.RetryAttempts)
	}
	if p.FlashMinLocalScore != 1.0 {
		t.Fatalf("score not clamped: %v", p.FlashMinLocalScore)
	}
	if p.ProUncertainConfLow != 0.4 || p.ProUncertainConfHigh != 0.9 {
		t.Fatalf("inverted band not swapped: %v/%v", p.ProUncertainConfLow, p.ProUncertainConfHigh)
	}
	if p.DownscaleLongEdge != 240 {
		t.Fatalf("downscale floor = %d, want 240", p.DownscaleLongEdge)
	}
}

func TestResolveMode(t *testing.T) {
	cases := []struct {
		mode             string
		flashMax, proMax int
	}{
		{"fast", 4, 2},
		{"balanced", 6, 3},
		{"high_recall", 12, 6},
	}
	for _, tc := range cases {
		p := DefaultPerf()
		p.PipelineMode = tc.mode
		r := p.ResolveMode()
		if r.FlashMaxCandidates != tc.flashMax || r.ProMaxCandidates != tc.proMax {
			t.Fatalf("%s: caps = %d/%d, want %d/%d", tc.mode,
				r.FlashMaxCandidates, r.ProMaxCandidates, tc.flashMax, tc.proMax)
		}
	}

	p := DefaultPerf()
	p.PipelineMode = "custom"
	p.FlashMaxCandidates = 9
	r := p.ResolveMode()
	if r.FlashMaxCandidates != 9 {
		t.Fatalf("unknown mode overrode caps: %d", r.FlashMaxCandidates)
	}
}

func TestLoadROIDefaultsDirection(t *testing.T) {
	roi := LoadROI(filepath.Join(t.TempDir(), "missing.json"))
	if len(roi.ExpectedDirectionVector) != 2 || roi.ExpectedDirectionVector[0] != 1 {
		t.Fatalf("default direction = %v", roi.ExpectedDirectionVector)
	}

	path := writeFile(t, "roi.json", `{"expected_direction_vector": [0, 0]}`)
	roi = LoadROI(path)
	if roi.ExpectedDirectionVector[0] != 1 || roi.ExpectedDirectionVector[1] != 0 {
		t.Fatalf("zero vector not replaced: %v", roi.ExpectedDirectionVector)
	}

	path = writeFile(t, "roi2.json", `{"signal_roi_polygon": [[0.1, 0.1], [0.9, 0.1], [0.5, 0.9]], "expected_direction_vector": [0, -1]}`)
	roi = LoadROI(path)
	if len(roi.SignalROIPolygon) != 3 {
		t.Fatalf("polygon not loaded: %v", roi.SignalROIPolygon)
	}
	if roi.ExpectedDirectionVector[1] != -1 {
		t.Fatalf("direction not loaded: %v", roi.ExpectedDirectionVector)
	}
}

func TestLoadProposalClampsMinimums(t *testing.T) {
	path := writeFile(t, "proposal.yaml", `
k_red: 0
max_candidates_total: -5
motion_threshold: 40
`)
	p := LoadProposal(path)
	if p.KRed != 1 || p.MaxCandidatesTotal != 1 {
		t.Fatalf("minimums not enforced: %+v", p)
	}
	if p.MotionThreshold != 40 {
		t.Fatalf("override lost: %v", p.MotionThreshold)
	}
	if p.KWrong != 5 {
		t.Fatalf("unset knob lost default: %d", p.KWrong)
	}
}
