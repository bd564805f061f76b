package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/civic-lens/civiclens/internal/config"
	"github.com/civic-lens/civiclens/internal/gemini"
	"github.com/civic-lens/civiclens/internal/metrics"
	"github.com/civic-lens/civiclens/internal/pipeline"
	"github.com/civic-lens/civiclens/internal/runlog"
	"github.com/civic-lens/civiclens/internal/store"
	"github.com/civic-lens/civiclens/internal/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "export":
		exportCmd(os.Args[2:])
	case "list":
		listCmd()
	case "status":
		statusCmd(os.Args[2:])
	case "logs":
		logsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  civiclens run --video <file> [--roi <roi.json>] [--perf <perf.yaml>]")
	fmt.Fprintln(os.Stderr, "  civiclens export --run <run_id>")
	fmt.Fprintln(os.Stderr, "  civiclens list")
	fmt.Fprintln(os.Stderr, "  civiclens status --run <run_id>")
	fmt.Fprintln(os.Stderr, "  civiclens logs --run <run_id> [--tail <n>]")
}

func newRuntime() *pipeline.Runtime {
	settings, err := config.LoadSettings()
	if err != nil {
		fatal(err)
	}
	st, err := store.New(settings.RunsDir)
	if err != nil {
		fatal(err)
	}
	rt := &pipeline.Runtime{
		Store:    st,
		Settings: settings,
		Perf:     config.DefaultPerf(),
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
		Log:      zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger(),
	}
	if settings.GeminiAPIKey != "" {
		rt.NewClient = func() gemini.Client {
			return gemini.NewRESTClient(settings.BaseURL, settings.GeminiAPIKey)
		}
	}
	return rt
}

func runCmd(args []string) {
	var videoPath, roiPath, perfPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--video":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--video requires a value")
				os.Exit(1)
			}
			videoPath = args[i]
		case "--roi":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--roi requires a value")
				os.Exit(1)
			}
			roiPath = args[i]
		case "--perf":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--perf requires a value")
				os.Exit(1)
			}
			perfPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if videoPath == "" {
		usage()
		os.Exit(1)
	}

	rt := newRuntime()
	if perfPath != "" {
		rt.Perf = config.LoadPerf(perfPath)
	}

	runID, err := rt.CreateRun(videoPath, roiPath)
	if err != nil {
		fatal(err)
	}
	fmt.Println(runID)
	rt.Run(context.Background(), runID)

	rec, err := rt.Store.Get(runID)
	if err != nil {
		fatal(err)
	}
	if rec.Status.State == types.StateFailed {
		fmt.Fprintf(os.Stderr, "run failed at %s: %s\n", rec.Status.FailedStage, rec.Status.ErrorMessage)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "run %s: %s (%d%%)\n", runID, rec.Status.State, rec.Status.ProgressPct)
}

func exportCmd(args []string) {
	runID := requireRunFlag(args)
	rt := newRuntime()
	zipPath, err := rt.ExportRun(runID)
	if err != nil {
		fatal(err)
	}
	fmt.Println(zipPath)
}

func listCmd() {
	rt := newRuntime()
	runs := rt.Store.All()
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	for _, r := range runs {
		fmt.Printf("%s  %-16s %-16s %3d%%\n", r.RunID, r.Status.State, r.Status.Stage, r.Status.ProgressPct)
	}
}

func statusCmd(args []string) {
	runID := requireRunFlag(args)
	rt := newRuntime()
	rec, err := rt.Store.Get(runID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("run:      %s\n", rec.RunID)
	fmt.Printf("state:    %s\n", rec.Status.State)
	fmt.Printf("stage:    %s\n", rec.Status.Stage)
	fmt.Printf("progress: %d%%\n", rec.Status.ProgressPct)
	if rec.Status.StageMessage != "" {
		fmt.Printf("message:  %s\n", rec.Status.StageMessage)
	}
	if rec.Status.ErrorMessage != "" {
		fmt.Printf("error:    %s (stage %s)\n", rec.Status.ErrorMessage, rec.Status.FailedStage)
	}
}

func logsCmd(args []string) {
	var runID string
	tail := 50
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--tail":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tail requires a value")
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i], "%d", &tail); err != nil {
				fmt.Fprintln(os.Stderr, "--tail requires a number")
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runID == "" {
		usage()
		os.Exit(1)
	}

	rt := newRuntime()
	if !rt.Store.Exists(runID) {
		fatal(fmt.Errorf("run not found: %s", runID))
	}
	logPath := rt.Store.RunDir(runID) + "/pipeline.log.jsonl"
	records, err := runlog.Tail(logPath, tail)
	if err != nil {
		fatal(err)
	}
	for _, rec := range records {
		fmt.Printf("%v %v %v: %v\n", rec["ts"], rec["stage"], rec["event"], rec["message"])
	}
}

func requireRunFlag(args []string) string {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			runID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runID == "" {
		usage()
		os.Exit(1)
	}
	return runID
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
