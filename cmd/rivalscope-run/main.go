package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kmorrow/rivalscope/internal/artifact"
	"github.com/kmorrow/rivalscope/internal/config"
	"github.com/kmorrow/rivalscope/internal/report"
	"github.com/kmorrow/rivalscope/internal/runner"
	"github.com/kmorrow/rivalscope/internal/store"
)

func main() {
	projectID := flag.String("project", "", "project id to run the pipeline against")
	format := flag.String("format", "md", "report format: md, html, or pdf")
	deterministic := flag.Bool("deterministic", false, "run the rule-based candidate path instead of the LLM pipeline")
	flag.Parse()

	if *projectID == "" {
		log.Fatal("missing required flag -project")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open sqlite store (%s): %v", cfg.DBPath, err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	progress := func(state, message string) {
		log.Printf("progress state=%s message=%q", state, message)
	}

	if *deterministic {
		pipeline := runner.NewPipeline(st, nil)
		res, err := pipeline.RunDeterministic(ctx, *projectID, progress)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("run %s complete, opportunities artifact %s saved (%d opportunities)",
			res.RunID, res.ArtifactID, len(res.Opportunities.Opportunities))
		return
	}

	caller, err := runner.NewAnthropicCallerFromEnv(cfg.LLMModel)
	if err != nil {
		log.Fatal(err)
	}
	pipeline := runner.NewPipeline(st, runner.NewLLMStageRunner(runner.NewStageExecutor(caller)))

	log.Printf("starting run (project=%s, model=%s)", *projectID, caller.ModelName())
	res, err := pipeline.Run(ctx, *projectID, progress)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("run %s complete, %d artifacts saved", res.RunID, len(res.ArtifactIDs))

	if err := writeReport(ctx, st, cfg, *projectID, *format, res.RunID); err != nil {
		log.Fatal(err)
	}
}

func writeReport(ctx context.Context, st *store.Store, cfg config.Config, projectID, format, runID string) error {
	proj, err := st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	readout := report.Readout{ProjectName: proj.Name}
	for _, part := range []struct {
		typ artifact.Type
		dst any
	}{
		{artifact.TypeOpportunities, &readout.Opportunities},
		{artifact.TypeJTBD, &readout.JTBD},
		{artifact.TypeScorecard, &readout.Scorecard},
		{artifact.TypeStrategicBets, &readout.StrategicBets},
	} {
		a, err := st.LatestArtifact(ctx, projectID, string(part.typ))
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(a.ContentJSON), part.dst); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
		return err
	}
	markdown := report.BuildMarkdown(readout)

	var body []byte
	ext := format
	switch format {
	case "md":
		body = []byte(markdown)
	case "html":
		doc, err := report.RenderHTML(markdown)
		if err != nil {
			return err
		}
		body = []byte(doc)
	case "pdf":
		doc, err := report.RenderHTML(markdown)
		if err != nil {
			return err
		}
		body, err = report.NewChromiumPDFRenderer(cfg.ChromePath).Render(ctx, doc)
		if err != nil {
			return err
		}
	default:
		log.Fatalf("unknown format %q (want md, html, or pdf)", format)
	}

	path := filepath.Join(cfg.ReportDir, "report-"+runID+"."+ext)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	log.Printf("report written to %s", path)
	return nil
}
