package main

import (
	"log"
	"net/http"

	"github.com/kmorrow/rivalscope/internal/config"
	"github.com/kmorrow/rivalscope/internal/httpapi"
	"github.com/kmorrow/rivalscope/internal/report"
	"github.com/kmorrow/rivalscope/internal/runner"
	"github.com/kmorrow/rivalscope/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open sqlite store (%s): %v", cfg.DBPath, err)
	}
	defer st.Close()

	caller, err := runner.NewAnthropicCallerFromEnv(cfg.LLMModel)
	if err != nil {
		log.Fatal(err)
	}
	pipeline := runner.NewPipeline(st, runner.NewLLMStageRunner(runner.NewStageExecutor(caller)))

	h := httpapi.NewServer(st, pipeline, report.NewChromiumPDFRenderer(cfg.ChromePath))
	log.Printf("rivalscope listening on %s (db=%s, model=%s)", cfg.Addr, cfg.DBPath, caller.ModelName())
	if err := http.ListenAndServe(cfg.Addr, h); err != nil {
		log.Fatal(err)
	}
}
