// Package export assembles the reviewer-facing case pack: an HTML report,
// a PDF (or its degrade marker), a summary with artifact digests, and a ZIP
// bundling the run's evidence. It never mutates the merge outputs; the
// report-image annotation goes to a separate events_export.json.
package export

import (
	"archive/zip"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/civic-lens/civiclens/internal/jsonio"
	"github.com/civic-lens/civiclens/internal/types"
)

type eventsPayload struct {
	Events []types.FinalEvent `json:"events"`
}

type reviewPayload struct {
	Decisions []types.ReviewDecision `json:"decisions"`
}

// maxBundledFrames caps the sampled frames copied into the ZIP.
const maxBundledFrames = 8

// CasePack writes the export artifacts under <run_dir>/export and returns
// the ZIP path.
func CasePack(runDir string) (string, error) {
	exportDir := filepath.Join(runDir, "export")
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", err
	}

	var events eventsPayload
	if jsonio.Exists(filepath.Join(runDir, "events_final.json")) {
		if err := jsonio.Read(filepath.Join(runDir, "events_final.json"), &events); err != nil {
			return "", err
		}
	}
	var review reviewPayload
	if jsonio.Exists(filepath.Join(runDir, "review.json")) {
		if err := jsonio.Read(filepath.Join(runDir, "review.json"), &review); err != nil {
			return "", err
		}
	}
	reviewByEvent := make(map[string]types.ReviewDecision, len(review.Decisions))
	for _, d := range review.Decisions {
		reviewByEvent[d.EventID] = d
	}

	htmlPath := filepath.Join(exportDir, "report.html")
	if err := os.WriteFile(htmlPath, []byte(buildHTML(events.Events, reviewByEvent)), 0o644); err != nil {
		return "", err
	}

	// PDF rendering is delegated to external tooling in deployment; the
	// marker keeps the bundle shape stable when it is unavailable.
	pdfPath := filepath.Join(exportDir, "report.pdf")
	if err := os.WriteFile(pdfPath,
		[]byte("PDF generation unavailable. See report.html for full details.\n"), 0o644); err != nil {
		return "", err
	}

	// Annotated copy of the final events; events_final.json stays
	// write-once.
	exportEvents := make([]types.FinalEvent, len(events.Events))
	copy(exportEvents, events.Events)
	for i := range exportEvents {
		exportEvents[i].ReportImages = append([]string{}, exportEvents[i].EvidenceFrames...)
	}
	exportEventsPath := filepath.Join(runDir, "events_export.json")
	if err := jsonio.Write(exportEventsPath, map[string]any{"events": exportEvents}); err != nil {
		return "", err
	}

	summaryPath := filepath.Join(exportDir, "summary.json")
	if err := jsonio.Write(summaryPath, map[string]any{
		"event_count":  len(events.Events),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"digests":      artifactDigests(runDir, htmlPath, exportEventsPath),
	}); err != nil {
		return "", err
	}

	zipPath := filepath.Join(exportDir, "case_pack.zip")
	if err := writeZip(runDir, zipPath, []string{
		filepath.Join(runDir, "events_final.json"),
		exportEventsPath,
		filepath.Join(runDir, "candidates.json"),
		filepath.Join(runDir, "flash_events.json"),
		filepath.Join(runDir, "pro_events.json"),
		filepath.Join(runDir, "trace.json"),
		filepath.Join(runDir, "review.json"),
		filepath.Join(runDir, "pipeline.log.jsonl"),
		htmlPath,
		pdfPath,
		summaryPath,
	}); err != nil {
		return "", err
	}
	return zipPath, nil
}

func buildHTML(events []types.FinalEvent, reviews map[string]types.ReviewDecision) string {
	var rows strings.Builder
	for _, e := range events {
		review := reviews[e.EventID]
		decision := review.Decision
		if decision == "" {
			decision = "PENDING"
		}
		uncertain := "NO"
		if e.Uncertain {
			uncertain = "YES"
		}
		fmt.Fprintf(&rows,
			"<tr><td>%s</td><td>%s</td><td>%.2f-%.2f</td><td>%.2f</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(e.EventID), html.EscapeString(string(e.EventType)),
			e.StartTime, e.EndTime, e.Confidence, uncertain,
			html.EscapeString(decision), html.EscapeString(review.ReviewerNotes),
		)
	}
	return fmt.Sprintf(`<html><body>
<h1>Civic Lens Case Report</h1>
<p>Generated: %s</p>
<table border="1" cellspacing="0" cellpadding="6">
<tr><th>ID</th><th>Type</th><th>Window(s)</th><th>Conf</th><th>Uncertain</th><th>Decision</th><th>Notes</th></tr>
%s</table>
</body></html>
`, time.Now().UTC().Format(time.RFC3339), rows.String())
}

// artifactDigests hashes the key artifacts so a reviewer can verify the
// bundle was not altered after export.
func artifactDigests(runDir string, extra ...string) map[string]string {
	paths := append([]string{
		filepath.Join(runDir, "events_final.json"),
		filepath.Join(runDir, "trace.json"),
	}, extra...)
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		sum := blake3.Sum256(data)
		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			rel = filepath.Base(p)
		}
		out[rel] = hex.EncodeToString(sum[:])
	}
	return out
}

func writeZip(runDir, zipPath string, artifacts []string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	addFile := func(path string) error {
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		return err
	}

	for _, path := range artifacts {
		if !jsonio.Exists(path) {
			continue
		}
		if err := addFile(path); err != nil {
			return err
		}
	}

	frames, err := doublestar.FilepathGlob(filepath.Join(runDir, "frames", "*.jpg"))
	if err == nil {
		sort.Strings(frames)
		if len(frames) > maxBundledFrames {
			frames = frames[:maxBundledFrames]
		}
		for _, frame := range frames {
			if err := addFile(frame); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}
