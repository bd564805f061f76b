// Package ingest decodes the uploaded video with ffprobe/ffmpeg, samples
// frames at an adaptive rate, and writes the frame manifest the rest of the
// pipeline works from.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/types"
)

// Frame describes one sampled frame.
type Frame struct {
	FrameIdx  int     `json:"frame_idx"`
	SampleIdx int     `json:"sample_idx"`
	TsSec     float64 `json:"ts_sec"`
	Path      string  `json:"path"`
	Height    int     `json:"height"`
	Width     int     `json:"width"`
}

// Manifest is the ingest stage output, persisted as frames_manifest.json.
type Manifest struct {
	VideoPath   string  `json:"video_path"`
	SourceFPS   float64 `json:"source_fps"`
	AnalysisFPS int     `json:"analysis_fps"`
	DurationSec float64 `json:"duration_sec"`
	FrameCount  int     `json:"frame_count"`
	SampleCount int     `json:"sample_count"`
	Frames      []Frame `json:"frames"`
}

// Options control sampling.
type Options struct {
	FPSShort          int
	FPSLong           int
	LongThresholdSec  int
	DownscaleLongEdge int
	FFprobePath       string
	FFmpegPath        string
}

func (o Options) ffprobe() string {
	if o.FFprobePath != "" {
		return o.FFprobePath
	}
	return "ffprobe"
}

func (o Options) ffmpeg() string {
	if o.FFmpegPath != "" {
		return o.FFmpegPath
	}
	return "ffmpeg"
}

type probeResult struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		RFrameRate string `json:"r_frame_rate"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		NBFrames   string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Ingest probes and samples the video into <run_dir>/frames, then writes
// the manifest. A video that cannot be probed or decoded is a fatal stage
// error.
func Ingest(ctx context.Context, videoPath, runDir string, opts Options, logger *runlog.Logger) (*Manifest, error) {
	stage := types.StageIngest
	started := time.Now()
	logger.Info(stage, "stage_started", "Starting ingest stage", nil)

	sourceFPS, durationSec, err := probe(ctx, videoPath, opts)
	if err != nil {
		logger.Error(stage, "stage_failed", "Unable to open video", map[string]any{
			"error_code":   "INGEST_DECODE_ERROR",
			"error_detail": err.Error(),
		})
		return nil, fmt.Errorf("probe video: %w", err)
	}

	analysisFPS := opts.FPSShort
	if durationSec > float64(opts.LongThresholdSec) {
		analysisFPS = opts.FPSLong
	}
	if analysisFPS < 1 {
		analysisFPS = 1
	}
	sampleEvery := int(math.Round(sourceFPS / float64(analysisFPS)))
	if sampleEvery < 1 {
		sampleEvery = 1
	}

	framesDir := filepath.Join(runDir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, err
	}

	if err := extract(ctx, videoPath, framesDir, sampleEvery, opts); err != nil {
		logger.Error(stage, "stage_failed", "Frame extraction failed", map[string]any{
			"error_code":   "INGEST_DECODE_ERROR",
			"error_detail": err.Error(),
		})
		return nil, fmt.Errorf("extract frames: %w", err)
	}

	frames, err := collectFrames(framesDir, sampleEvery, sourceFPS)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		VideoPath:   videoPath,
		SourceFPS:   sourceFPS,
		AnalysisFPS: analysisFPS,
		DurationSec: types.Round(durationSec, 3),
		FrameCount:  int(math.Round(durationSec * sourceFPS)),
		SampleCount: len(frames),
		Frames:      frames,
	}
	if err := jsonio.Write(filepath.Join(runDir, "frames_manifest.json"), manifest); err != nil {
		return nil, err
	}

	logger.Info(stage, "stage_completed", "Ingest complete", map[string]any{
		"duration_ms":  time.Since(started).Milliseconds(),
		"frame_count":  manifest.FrameCount,
		"sample_count": manifest.SampleCount,
	})
	return manifest, nil
}

func probe(ctx context.Context, videoPath string, opts Options) (fps float64, durationSec float64, err error) {
	cmd := exec.CommandContext(ctx, opts.ffprobe(),
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		videoPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe: %w", err)
	}
	var pr probeResult
	if err := json.Unmarshal(out, &pr); err != nil {
		return 0, 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range pr.Streams {
		if s.CodecType != "video" {
			continue
		}
		fps = parseRational(s.RFrameRate)
		break
	}
	if fps <= 0 {
		fps = 30.0
	}
	durationSec, _ = strconv.ParseFloat(pr.Format.Duration, 64)
	if durationSec <= 0 {
		return 0, 0, fmt.Errorf("video has no duration")
	}
	return fps, durationSec, nil
}

func parseRational(s string) float64 {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) == 2 {
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil && den > 0 {
			return num / den
		}
		return 0
	}
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func extract(ctx context.Context, videoPath, framesDir string, sampleEvery int, opts Options) error {
	edge := opts.DownscaleLongEdge
	if edge < 240 {
		edge = 240
	}
	vf := fmt.Sprintf(
		"select='not(mod(n,%d))',scale='if(gt(iw,ih),min(%d,iw),-2)':'if(gt(iw,ih),-2,min(%d,ih))'",
		sampleEvery, edge, edge,
	)
	cmd := exec.CommandContext(ctx, opts.ffmpeg(),
		"-hide_banner",
		"-y",
		"-i", videoPath,
		"-vf", vf,
		"-vsync", "vfr",
		"-q:v", "3",
		filepath.Join(framesDir, "f_%05d.jpg"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tailString(string(out), 400))
	}
	return nil
}

// collectFrames lists extracted frames in order and rebuilds the source
// frame index and timestamp arithmetic for each sample. ffmpeg numbers
// outputs from 1; sample indices start at 0.
func collectFrames(framesDir string, sampleEvery int, sourceFPS float64) ([]Frame, error) {
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "f_") && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		path := filepath.Join(framesDir, name)
		w, h := frameDims(path)
		frameIdx := i * sampleEvery
		frames = append(frames, Frame{
			FrameIdx:  frameIdx,
			SampleIdx: i,
			TsSec:     types.Round(float64(frameIdx)/sourceFPS, 3),
			Path:      path,
			Height:    h,
			Width:     w,
		})
	}
	return frames, nil
}

func frameDims(path string) (w, h int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
