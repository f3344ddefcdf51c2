package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
)

func runScore(t *testing.T, stdin string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"score"}, args...))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return out, rootCmd.Execute()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestScoreCommand_YAML(t *testing.T) {
	path := writeFile(t, "snapshot.yaml", `
income: 5000
expenses: 2000
debts:
  loan: 1000
credit_limit: 3000
missed_payments: 0
late_payments: 1
`)
	out, err := runScore(t, "", "-f", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report domain.ScoreReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if report.CreditScore != 633 {
		t.Errorf("expected 633, got %d", report.CreditScore)
	}
}

func TestScoreCommand_WrappedJSONFromStdin(t *testing.T) {
	doc := `{"financial_data":{"income":5000,"expenses":2000,"debts":{"loan":1000},"credit_limit":3000,"missed_payments":0,"late_payments":1}}`
	out, err := runScore(t, doc, "-f", "-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), `"credit_score": 633`) {
		t.Errorf("unexpected output %s", out.String())
	}
}

func TestScoreCommand_RejectsIncompleteSnapshot(t *testing.T) {
	path := writeFile(t, "partial.json", `{"income": 5000}`)
	if _, err := runScore(t, "", "-f", path); err == nil {
		t.Fatal("expected a validation error")
	}
}
