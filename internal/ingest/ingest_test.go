package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRational(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{" 24/1 ", 24},
		{"10/0", 0},
		{"abc/def", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseRational(tc.in); got != tc.want {
			t.Fatalf("parseRational(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCollectFramesArithmetic(t *testing.T) {
	dir := t.TempDir()
	// ffmpeg numbers outputs from 1; content does not matter for index math.
	for _, name := range []string{"f_00001.jpg", "f_00002.jpg", "f_00003.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("jpg"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}

	frames, err := collectFrames(dir, 15, 30.0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.SampleIdx != i {
			t.Fatalf("sample idx = %d, want %d", f.SampleIdx, i)
		}
		if f.FrameIdx != i*15 {
			t.Fatalf("frame idx = %d, want %d", f.FrameIdx, i*15)
		}
	}
	if frames[1].TsSec != 0.5 || frames[2].TsSec != 1.0 {
		t.Fatalf("timestamps = %v, %v", frames[1].TsSec, frames[2].TsSec)
	}
}

func TestTailString(t *testing.T) {
	if got := tailString("short", 400); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if got := tailString(string(long), 400); len(got) != 400 {
		t.Fatalf("len = %d, want 400", len(got))
	}
	if got := tailString("  padded  ", 400); got != "padded" {
		t.Fatalf("got %q", got)
	}
}
