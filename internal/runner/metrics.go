package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rivalscope",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})

	llmCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rivalscope",
		Name:      "llm_calls_total",
		Help:      "LLM calls issued across all stages, including transport retries.",
	})

	repairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rivalscope",
		Name:      "stage_repairs_total",
		Help:      "Stage outputs that needed the single repair call.",
	})
)
