package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeCaller struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
	temps     []float64
}

func (f *fakeCaller) GenerateJSON(_ context.Context, prompt string, temperature float64) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.temps = append(f.temps, temperature)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *fakeCaller) ModelName() string { return "test-model" }

type testShape struct {
	Name string `json:"name"`
}

func requireName(out *testShape) func() error {
	return func() error {
		if strings.TrimSpace(out.Name) == "" {
			return errors.New("name is empty")
		}
		return nil
	}
}

func TestExecutorSucceedsFirstTry(t *testing.T) {
	caller := &fakeCaller{responses: []string{"```json\n{\"name\":\"acme\"}\n```"}}
	exec := NewStageExecutor(caller)

	var out testShape
	m, err := exec.Run(context.Background(), StateJTBD, "prompt", "schema", &out, requireName(&out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Name != "acme" {
		t.Fatalf("out.Name = %q, want acme", out.Name)
	}
	if m.LLMCalls != 1 || m.Repairs != 0 {
		t.Fatalf("metrics = %+v, want 1 call 0 repairs", m)
	}
}

func TestExecutorRepairsExactlyOnce(t *testing.T) {
	caller := &fakeCaller{responses: []string{"not json at all", `{"name":"acme"}`}}
	exec := NewStageExecutor(caller)

	var out testShape
	m, err := exec.Run(context.Background(), StateJTBD, "prompt", "Required JSON schema: {...}", &out, requireName(&out))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("caller.calls = %d, want 2", caller.calls)
	}
	if m.Repairs != 1 {
		t.Fatalf("Repairs = %d, want 1", m.Repairs)
	}

	repair := caller.prompts[1]
	if !strings.Contains(repair, "not json at all") {
		t.Fatalf("repair prompt missing raw text: %q", repair)
	}
	if !strings.Contains(repair, "Required JSON schema") {
		t.Fatalf("repair prompt missing schema shape: %q", repair)
	}
	if !strings.Contains(repair, "Validation errors") {
		t.Fatalf("repair prompt missing validation errors: %q", repair)
	}
	if caller.temps[1] >= caller.temps[0] {
		t.Fatalf("repair temperature %v not lower than generation %v", caller.temps[1], caller.temps[0])
	}
}

func TestExecutorFailsAfterSingleRepair(t *testing.T) {
	caller := &fakeCaller{responses: []string{`{"name":""}`, `{"name":""}`}}
	exec := NewStageExecutor(caller)

	var out testShape
	_, err := exec.Run(context.Background(), StateJTBD, "prompt", "schema", &out, requireName(&out))
	if err == nil {
		t.Fatal("expected error after failed repair")
	}
	if caller.calls != 2 {
		t.Fatalf("caller.calls = %d, want exactly 2 (no second repair)", caller.calls)
	}
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %T", err)
	}
	if re.Code != "JTBD_VALIDATION_FAILED" {
		t.Fatalf("Code = %q, want JTBD_VALIDATION_FAILED", re.Code)
	}
	if re.Detail == "" {
		t.Fatal("expected validation diagnostics in Detail")
	}
}

func TestExecutorTruncatesDiagnostics(t *testing.T) {
	caller := &fakeCaller{responses: []string{`{"name":""}`}}
	exec := NewStageExecutor(caller)

	long := strings.Repeat("x", 1200)
	var out testShape
	_, err := exec.Run(context.Background(), StateScorecard, "prompt", "schema", &out, func() error {
		return errors.New(long)
	})
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	if len(re.Detail) != maxErrorDetailChars {
		t.Fatalf("Detail length = %d, want %d", len(re.Detail), maxErrorDetailChars)
	}
	if !strings.Contains(caller.prompts[1], long[:maxErrorDetailChars]) {
		t.Fatal("repair prompt missing truncated errors")
	}
	if strings.Contains(caller.prompts[1], long) {
		t.Fatal("repair prompt carried untruncated errors")
	}
}

func TestExecutorDoesNotRetryClientErrors(t *testing.T) {
	caller := &fakeCaller{errs: []error{fmt.Errorf("unexpected status 400: bad request")}, responses: []string{""}}
	exec := NewStageExecutor(caller)

	var out testShape
	_, err := exec.Run(context.Background(), StateJTBD, "prompt", "schema", &out, requireName(&out))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if caller.calls != 1 {
		t.Fatalf("caller.calls = %d, want 1 for a client error", caller.calls)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                      `{"a":1}`,
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```\n{\"a\":1}\n```":            `{"a":1}`,
		"  \n```json\n{\"a\":1}\n```\n ": `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFences(in); got != want {
			t.Fatalf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
