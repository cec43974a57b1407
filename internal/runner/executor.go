package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	generationTemperature = 0.3
	repairTemperature     = 0.0

	// maxErrorDetailChars bounds the validation diagnostics carried in
	// repair prompts and terminal errors.
	maxErrorDetailChars = 500

	maxTransportAttempts = 3
)

// StageExecutor runs the generate -> validate -> repair-once loop shared
// by every artifact stage. A stage gets exactly one repair call, at a
// lower temperature, carrying the raw text, the expected schema shape,
// and the truncated validation errors. A second validation failure is
// terminal for the run.
type StageExecutor struct {
	caller LLMCaller
}

func NewStageExecutor(caller LLMCaller) *StageExecutor {
	return &StageExecutor{caller: caller}
}

func (e *StageExecutor) ModelName() string {
	if e == nil || e.caller == nil {
		return DefaultLLMModel
	}
	return e.caller.ModelName()
}

func (e *StageExecutor) Run(ctx context.Context, stageName, prompt, schemaPrompt string, out any, validate func() error) (StageAttemptMetrics, error) {
	metrics := StageAttemptMetrics{}

	raw, err := e.generate(ctx, stageName, prompt, generationTemperature, &metrics)
	if err != nil {
		return metrics, &RunError{Code: CodeUnexpected, Stage: stageName, Err: fmt.Errorf("transport failure: %w", err)}
	}

	failure := decodeAndValidate(raw, out, validate)
	if failure == "" {
		log.Printf("rivalscope stage_success stage=%s llm_calls=%d repairs=0", stageName, metrics.LLMCalls)
		return metrics, nil
	}

	metrics.Repairs++
	log.Printf("rivalscope stage_repair stage=%s errors=%q", stageName, truncateDetail(failure))
	repairPrompt := buildRepairPrompt(raw, schemaPrompt, failure)
	raw, err = e.generate(ctx, stageName, repairPrompt, repairTemperature, &metrics)
	if err != nil {
		return metrics, &RunError{Code: CodeUnexpected, Stage: stageName, Err: fmt.Errorf("repair transport failure: %w", err)}
	}

	failure = decodeAndValidate(raw, out, validate)
	if failure != "" {
		log.Printf("rivalscope stage_validation_failed stage=%s errors=%q", stageName, truncateDetail(failure))
		return metrics, &RunError{
			Code:   ValidationFailedCode(stageName),
			Stage:  stageName,
			Detail: truncateDetail(failure),
		}
	}
	log.Printf("rivalscope stage_success stage=%s llm_calls=%d repairs=1", stageName, metrics.LLMCalls)
	return metrics, nil
}

// generate performs one logical LLM call, retrying only transient
// transport failures. Transport retries do not consume the repair
// budget; that budget is for content, not connectivity.
func (e *StageExecutor) generate(ctx context.Context, stageName, prompt string, temperature float64, metrics *StageAttemptMetrics) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxTransportAttempts; attempt++ {
		start := time.Now()
		metrics.LLMCalls++
		raw, err := e.caller.GenerateJSON(ctx, prompt, temperature)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		class := classifyTransportError(err)
		log.Printf("rivalscope llm_transport_error stage=%s attempt=%d class=%d elapsed_ms=%d err=%q",
			stageName, attempt, class, time.Since(start).Milliseconds(), err.Error())
		if class != failureTimeout && class != failureRateLimit && class != failureServer {
			return "", err
		}
		if attempt < maxTransportAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}
	}
	return "", lastErr
}

// decodeAndValidate returns "" on success, otherwise a description of
// what failed, suitable for the repair prompt.
func decodeAndValidate(raw string, out any, validate func() error) string {
	clean := stripCodeFences(raw)
	if strings.TrimSpace(clean) == "" {
		return "response was empty"
	}
	if err := json.Unmarshal([]byte(clean), out); err != nil {
		return "invalid JSON: " + err.Error()
	}
	if err := validate(); err != nil {
		return err.Error()
	}
	return ""
}

func buildRepairPrompt(raw, schemaPrompt, failure string) string {
	var sb strings.Builder
	sb.WriteString("Your previous response failed validation.\n\n")
	sb.WriteString("Previous response:\n")
	sb.WriteString(raw)
	sb.WriteString("\n\n")
	sb.WriteString(schemaPrompt)
	sb.WriteString("\n\nValidation errors:\n")
	sb.WriteString(truncateDetail(failure))
	sb.WriteString("\n\nReturn the corrected JSON only. No prose, no code fences.")
	return sb.String()
}

func truncateDetail(s string) string {
	if len(s) <= maxErrorDetailChars {
		return s
	}
	return s[:maxErrorDetailChars]
}
