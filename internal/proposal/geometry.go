package proposal

// Point is a pixel coordinate.
type Point struct {
	X, Y float64
}

// denormalizePolygon scales a normalised polygon to pixel space.
func denormalizePolygon(norm [][]float64, width, height int) []Point {
	pts := make([]Point, 0, len(norm))
	for _, p := range norm {
		if len(p) < 2 {
			continue
		}
		pts = append(pts, Point{X: p[0] * float64(width), Y: p[1] * float64(height)})
	}
	return pts
}

// polygonMask rasterises a polygon into a per-pixel boolean mask using
// even-odd ray casting. An empty polygon yields an all-false mask.
func polygonMask(width, height int, poly []Point) []bool {
	mask := make([]bool, width*height)
	if len(poly) < 3 {
		return mask
	}
	for y := 0; y < height; y++ {
		fy := float64(y) + 0.5
		for x := 0; x < width; x++ {
			if pointInPolygon(float64(x)+0.5, fy, poly) {
				mask[y*width+x] = true
			}
		}
	}
	return mask
}

func pointInPolygon(x, y float64, poly []Point) bool {
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > y) != (pj.Y > y) &&
			x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

func maskAny(mask []bool) bool {
	for _, v := range mask {
		if v {
			return true
		}
	}
	return false
}
