package proposal

import (
	"image"
	_ "image/jpeg"
	"math"
	"os"
)

// frameSnapshot holds the per-frame signal values recorded alongside each
// candidate.
type frameSnapshot struct {
	RedScore      float64
	MotionScore   float64
	FlowCos       float64
	FgRatio       float64
	RecklessScore float64
}

// grayFrame is one decoded frame reduced to luma plus channel sums over the
// signal ROI.
type grayFrame struct {
	width, height int
	luma          []float64
}

func loadGray(path string, width, height int) (*grayFrame, image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	luma := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			luma[y*w+x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
		}
	}
	return &grayFrame{width: w, height: h, luma: luma}, img, nil
}

// redDominance computes (mean_r + 1) / (mean_g + mean_b + 1) over the
// masked pixels.
func redDominance(img image.Image, mask []bool, width int) float64 {
	b := img.Bounds()
	var rSum, gSum, bSum float64
	var n int
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			idx := y*width + x
			if idx >= len(mask) || !mask[idx] {
				continue
			}
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rSum += float64(r >> 8)
			gSum += float64(g >> 8)
			bSum += float64(bl >> 8)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return (rSum/float64(n) + 1.0) / (gSum/float64(n) + bSum/float64(n) + 1.0)
}

// meanAbsDiff is the inter-frame motion signal.
func meanAbsDiff(cur, prev *grayFrame) float64 {
	if prev == nil || len(cur.luma) != len(prev.luma) {
		return 0
	}
	var sum float64
	for i := range cur.luma {
		sum += math.Abs(cur.luma[i] - prev.luma[i])
	}
	return sum / float64(len(cur.luma))
}

// motionCentroid returns the intensity-weighted centroid of |cur - prev|
// restricted to the mask, and whether any motion mass was found.
func motionCentroid(cur, prev *grayFrame, mask []bool) (Point, bool) {
	if prev == nil || len(cur.luma) != len(prev.luma) {
		return Point{}, false
	}
	var mx, my, mass float64
	for y := 0; y < cur.height; y++ {
		for x := 0; x < cur.width; x++ {
			idx := y*cur.width + x
			if idx >= len(mask) || !mask[idx] {
				continue
			}
			d := math.Abs(cur.luma[idx] - prev.luma[idx])
			if d < 8 {
				continue
			}
			mx += float64(x) * d
			my += float64(y) * d
			mass += d
		}
	}
	if mass < 1e-6 {
		return Point{}, false
	}
	return Point{X: mx / mass, Y: my / mass}, true
}

// flowCosine tracks the displacement of the motion centroid between
// consecutive frames and projects it onto the expected travel direction.
// It is a coarse stand-in for dense optical flow: negative values mean the
// dominant motion opposes the expected direction.
func flowCosine(cur, prevCentroid Point, havePrev bool, dirX, dirY float64) (float64, bool) {
	if !havePrev {
		return 0, false
	}
	dx := cur.X - prevCentroid.X
	dy := cur.Y - prevCentroid.Y
	mag := math.Hypot(dx, dy)
	if mag < 1e-4 {
		return 0, false
	}
	return (dx*dirX + dy*dirY) / mag, true
}

// background maintains a running-average luma model and classifies
// foreground pixels by absolute deviation.
type background struct {
	model []float64
	alpha float64
	thr   float64
}

func newBackground(alpha, thr float64) *background {
	return &background{alpha: alpha, thr: thr}
}

// apply updates the model with the current frame and returns a foreground
// bitmap.
func (bg *background) apply(f *grayFrame) []bool {
	if bg.model == nil || len(bg.model) != len(f.luma) {
		bg.model = make([]float64, len(f.luma))
		copy(bg.model, f.luma)
		return make([]bool, len(f.luma))
	}
	fg := make([]bool, len(f.luma))
	for i, v := range f.luma {
		if math.Abs(v-bg.model[i]) > bg.thr {
			fg[i] = true
		}
		bg.model[i] += bg.alpha * (v - bg.model[i])
	}
	return fg
}

func foregroundRatio(fg []bool) float64 {
	if len(fg) == 0 {
		return 0
	}
	n := 0
	for _, v := range fg {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(fg))
}

// centralForegroundRatio measures foreground density in the central band of
// the frame, used as a rider-presence proxy.
func centralForegroundRatio(fg []bool, width, height int) float64 {
	y0, y1 := int(float64(height)*0.3), int(float64(height)*0.8)
	x0, x1 := int(float64(width)*0.3), int(float64(width)*0.7)
	if y1 <= y0 || x1 <= x0 {
		return 0
	}
	n, total := 0, 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			total++
			if fg[y*width+x] {
				n++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
