// Package config loads process settings from the environment and tuning
// configs from YAML or JSON files. Missing or malformed files fall back to
// defaults; every knob is clamped to its legal range.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings are process-level options read once at startup.
type Settings struct {
	RunsDir      string
	GeminiAPIKey string
	FlashModel   string
	ProModel     string
	BaseURL      string
}

// LoadSettings reads settings from the environment.
func LoadSettings() (Settings, error) {
	runsDir := envOr("RUNS_DIR", "data/runs")
	abs, err := filepath.Abs(runsDir)
	if err != nil {
		return Settings{}, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Settings{}, err
	}
	return Settings{
		RunsDir:      abs,
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		FlashModel:   envOr("GEMINI_FLASH_MODEL", "gemini-3-flash-preview"),
		ProModel:     envOr("GEMINI_PRO_MODEL", "gemini-3-pro-preview"),
		BaseURL:      envOr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Perf holds the cascade tuning knobs. Fields carry both yaml and json tags
// so either file format loads.
type Perf struct {
	PipelineMode          string  `yaml:"pipeline_mode" json:"pipeline_mode"`
	FlashMaxCandidates    int     `yaml:"gemini_flash_max_candidates" json:"gemini_flash_max_candidates"`
	ProMaxCandidates      int     `yaml:"gemini_pro_max_candidates" json:"gemini_pro_max_candidates"`
	FlashConcurrency      int     `yaml:"gemini_flash_concurrency" json:"gemini_flash_concurrency"`
	ProConcurrency        int     `yaml:"gemini_pro_concurrency" json:"gemini_pro_concurrency"`
	FlashTimeoutSec       int     `yaml:"gemini_flash_timeout_sec" json:"gemini_flash_timeout_sec"`
	ProTimeoutSec         int     `yaml:"gemini_pro_timeout_sec" json:"gemini_pro_timeout_sec"`
	RetryAttempts         int     `yaml:"gemini_retry_attempts" json:"gemini_retry_attempts"`
	FlashMinLocalScore    float64 `yaml:"flash_min_local_score" json:"flash_min_local_score"`
	ProUncertainConfLow   float64 `yaml:"pro_uncertain_conf_low" json:"pro_uncertain_conf_low"`
	ProUncertainConfHigh  float64 `yaml:"pro_uncertain_conf_high" json:"pro_uncertain_conf_high"`
	ProLegacySignals      bool    `yaml:"gemini_pro_legacy_signals" json:"gemini_pro_legacy_signals"`
	UploadPollAttempts    int     `yaml:"gemini_upload_poll_attempts" json:"gemini_upload_poll_attempts"`
	UploadPollIntervalSec int     `yaml:"gemini_upload_poll_interval_sec" json:"gemini_upload_poll_interval_sec"`
	AnalysisFPSShort      int     `yaml:"analysis_fps_short" json:"analysis_fps_short"`
	AnalysisFPSLong       int     `yaml:"analysis_fps_long" json:"analysis_fps_long"`
	LongVideoThresholdSec int     `yaml:"long_video_threshold_sec" json:"long_video_threshold_sec"`
	DownscaleLongEdge     int     `yaml:"local_downscale_long_edge" json:"local_downscale_long_edge"`
}

// DefaultPerf returns the tuned defaults.
func DefaultPerf() Perf {
	return Perf{
		PipelineMode:          "balanced",
		FlashMaxCandidates:    14,
		ProMaxCandidates:      8,
		FlashConcurrency:      4,
		ProConcurrency:        2,
		FlashTimeoutSec:       30,
		ProTimeoutSec:         45,
		RetryAttempts:         1,
		FlashMinLocalScore:    0.5,
		ProUncertainConfLow:   0.45,
		ProUncertainConfHigh:  0.82,
		UploadPollAttempts:    30,
		UploadPollIntervalSec: 1,
		AnalysisFPSShort:      4,
		AnalysisFPSLong:       2,
		LongVideoThresholdSec: 90,
		DownscaleLongEdge:     640,
	}
}

// modePresets override the tier caps for well-known operating modes.
var modePresets = map[string]struct{ flashMax, proMax int }{
	"fast":        {4, 2},
	"balanced":    {6, 3},
	"high_recall": {12, 6},
}

// LoadPerf loads the perf config from path. A missing or malformed file
// keeps defaults. Values are clamped after load.
func LoadPerf(path string) Perf {
	cfg := DefaultPerf()
	if data, err := os.ReadFile(path); err == nil {
		// yaml.v3 also accepts JSON input.
		var loaded Perf
		loaded = cfg
		if err := yaml.Unmarshal(data, &loaded); err == nil {
			cfg = loaded
		}
	}
	return cfg.Clamp()
}

// Clamp bounds every knob to its legal range and swaps an inverted
// uncertainty band.
func (p Perf) Clamp() Perf {
	if p.PipelineMode == "" {
		p.PipelineMode = "balanced"
	}
	p.FlashMaxCandidates = maxInt(1, p.FlashMaxCandidates)
	p.ProMaxCandidates = maxInt(0, p.ProMaxCandidates)
	p.FlashConcurrency = maxInt(1, p.FlashConcurrency)
	p.ProConcurrency = maxInt(1, p.ProConcurrency)
	p.FlashTimeoutSec = maxInt(10, p.FlashTimeoutSec)
	p.ProTimeoutSec = maxInt(10, p.ProTimeoutSec)
	p.RetryAttempts = maxInt(0, p.RetryAttempts)
	p.FlashMinLocalScore = clamp01(p.FlashMinLocalScore)
	p.ProUncertainConfLow = clamp01(p.ProUncertainConfLow)
	p.ProUncertainConfHigh = clamp01(p.ProUncertainConfHigh)
	if p.ProUncertainConfLow > p.ProUncertainConfHigh {
		p.ProUncertainConfLow, p.ProUncertainConfHigh = p.ProUncertainConfHigh, p.ProUncertainConfLow
	}
	p.UploadPollAttempts = maxInt(1, p.UploadPollAttempts)
	p.UploadPollIntervalSec = maxInt(1, p.UploadPollIntervalSec)
	p.AnalysisFPSShort = maxInt(1, p.AnalysisFPSShort)
	p.AnalysisFPSLong = maxInt(1, p.AnalysisFPSLong)
	p.LongVideoThresholdSec = maxInt(1, p.LongVideoThresholdSec)
	p.DownscaleLongEdge = maxInt(240, p.DownscaleLongEdge)
	return p
}

// ResolveMode applies the preset for p.PipelineMode, if one exists, to the
// tier caps. Unknown modes leave the caps untouched.
func (p Perf) ResolveMode() Perf {
	if preset, ok := modePresets[p.PipelineMode]; ok {
		p.FlashMaxCandidates = preset.flashMax
		p.ProMaxCandidates = preset.proMax
	}
	return p
}

// ROI describes the camera geometry the proposal engine works in. Polygons
// are normalised to [0,1] in both axes.
type ROI struct {
	SignalROIPolygon        [][]float64 `yaml:"signal_roi_polygon" json:"signal_roi_polygon"`
	WrongSideLanePolygon    [][]float64 `yaml:"wrong_side_lane_polygon" json:"wrong_side_lane_polygon"`
	StopLinePolygon         [][]float64 `yaml:"stop_line_polygon" json:"stop_line_polygon"`
	ExpectedDirectionVector []float64   `yaml:"expected_direction_vector" json:"expected_direction_vector"`
}

// DefaultROI disables the polygon-gated signals and assumes left-to-right
// expected travel.
func DefaultROI() ROI {
	return ROI{ExpectedDirectionVector: []float64{1, 0}}
}

// LoadROI loads the ROI config from path, falling back to defaults.
func LoadROI(path string) ROI {
	cfg := DefaultROI()
	if data, err := os.ReadFile(path); err == nil {
		var loaded ROI
		if err := yaml.Unmarshal(data, &loaded); err == nil {
			cfg = loaded
		}
	}
	if len(cfg.ExpectedDirectionVector) != 2 ||
		(cfg.ExpectedDirectionVector[0] == 0 && cfg.ExpectedDirectionVector[1] == 0) {
		cfg.ExpectedDirectionVector = []float64{1, 0}
	}
	return cfg
}

// Proposal holds the local heuristic thresholds.
type Proposal struct {
	KHelmet              int     `yaml:"k_helmet" json:"k_helmet"`
	KRed                 int     `yaml:"k_red" json:"k_red"`
	KWrong               int     `yaml:"k_wrong" json:"k_wrong"`
	KReckless            int     `yaml:"k_reckless" json:"k_reckless"`
	RiskThreshold        float64 `yaml:"risk_threshold" json:"risk_threshold"`
	MaxCandidatesTotal   int     `yaml:"max_candidates_total" json:"max_candidates_total"`
	MaxCandidatesPerType int     `yaml:"max_candidates_per_type" json:"max_candidates_per_type"`
	RedThreshold         float64 `yaml:"red_threshold" json:"red_threshold"`
	MotionThreshold      float64 `yaml:"motion_threshold" json:"motion_threshold"`
	WrongFlowThreshold   float64 `yaml:"wrong_flow_threshold" json:"wrong_flow_threshold"`
}

// DefaultProposal returns the tuned heuristic thresholds.
func DefaultProposal() Proposal {
	return Proposal{
		KHelmet:              6,
		KRed:                 3,
		KWrong:               5,
		KReckless:            4,
		RiskThreshold:        0.6,
		MaxCandidatesTotal:   12,
		MaxCandidatesPerType: 4,
		RedThreshold:         1.4,
		MotionThreshold:      25.0,
		WrongFlowThreshold:   -0.25,
	}
}

// LoadProposal loads the proposal config from path, falling back to defaults.
func LoadProposal(path string) Proposal {
	cfg := DefaultProposal()
	if data, err := os.ReadFile(path); err == nil {
		loaded := cfg
		if err := yaml.Unmarshal(data, &loaded); err == nil {
			cfg = loaded
		}
	}
	if cfg.KRed < 1 {
		cfg.KRed = 1
	}
	if cfg.KWrong < 1 {
		cfg.KWrong = 1
	}
	if cfg.KHelmet < 1 {
		cfg.KHelmet = 1
	}
	if cfg.KReckless < 1 {
		cfg.KReckless = 1
	}
	if cfg.MaxCandidatesTotal < 1 {
		cfg.MaxCandidatesTotal = 1
	}
	if cfg.MaxCandidatesPerType < 1 {
		cfg.MaxCandidatesPerType = 1
	}
	return cfg
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
