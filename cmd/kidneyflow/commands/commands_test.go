package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/config"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "abc123", "2025-01-01")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := cmd.ExecuteContext(context.Background())
	if tel != nil {
		if serr := tel.Shutdown(context.Background()); serr != nil {
			t.Errorf("telemetry shutdown: %v", serr)
		}
		tel = nil
	}
	return out.String(), err
}

// writeArchive creates a dataset zip with perClass images per class.
func writeArchive(t *testing.T, path string, perClass int) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, class := range []string{"Normal", "Tumor"} {
		for i := 0; i < perClass; i++ {
			w, err := zw.Create(fmt.Sprintf("%s/%s/%d.jpg", config.DatasetDirName, class, i))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write([]byte("\xff\xd8\xff")); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// initProject scaffolds a project with a local archive and returns its root.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "data", "kidney-ct-scan-image.zip"), 3)

	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	return dir
}

// dropRunner removes the runner section from the structural document.
func dropRunner(t *testing.T, dir string) {
	t.Helper()
	p := filepath.Join(dir, config.DefaultStructuralPath)
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	doc := strings.Replace(string(data), "runner:\n  command: [python, -m, kidneyflow_worker]\n  transport: local\n  startup_timeout: 2m\n", "", 1)
	if doc == string(data) {
		t.Fatal("runner section not found")
	}
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInit(t *testing.T) {
	dir := initProject(t)

	for _, f := range []string{"kidneyflow.yaml", config.DefaultStructuralPath, config.DefaultParamsPath} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("expected %s: %v", f, err)
		}
	}

	marker := filepath.Join(dir, "kidneyflow.yaml")
	if err := os.WriteFile(marker, []byte("name: custom\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "Kept existing kidneyflow.yaml") {
		t.Errorf("existing files must be kept, got:\n%s", out)
	}
	if data, _ := os.ReadFile(marker); string(data) != "name: custom\n" {
		t.Errorf("marker overwritten: %q", data)
	}

	if _, err := execute(t, "init", "--force", dir); err != nil {
		t.Fatalf("forced init: %v", err)
	}
	if data, _ := os.ReadFile(marker); string(data) == "name: custom\n" {
		t.Error("--force must overwrite")
	}
}

func TestValidate(t *testing.T) {
	dir := initProject(t)

	out, err := execute(t, "validate", "--project", dir)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("unexpected output:\n%s", out)
	}

	params := filepath.Join(dir, config.DefaultParamsPath)
	data, err := os.ReadFile(params)
	if err != nil {
		t.Fatal(err)
	}
	broken := strings.Replace(string(data), "BATCH_SIZE: 16", "BATCH_SIZE: -1", 1)
	if err := os.WriteFile(params, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "validate", "--project", dir)
	if err == nil {
		t.Fatalf("expected validation failure, got:\n%s", out)
	}
	if !engine.IsKind(err, engine.KindConfig) {
		t.Errorf("expected a config error, got %v", err)
	}
	if !strings.Contains(out, "BATCH_SIZE") {
		t.Errorf("failure should name the field:\n%s", out)
	}
}

func TestIngestAndRuns(t *testing.T) {
	dir := initProject(t)

	out, err := execute(t, "ingest", "--project", dir)
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ingestion") || !strings.Contains(out, "succeeded") {
		t.Errorf("unexpected ingest output:\n%s", out)
	}

	dataset := filepath.Join(dir, "artifacts", "data_ingestion", config.DatasetDirName, "Tumor")
	if _, err := os.Stat(dataset); err != nil {
		t.Errorf("dataset not extracted: %v", err)
	}

	out, err = execute(t, "runs", "--project", dir, "--json")
	if err != nil {
		t.Fatalf("runs: %v\n%s", err, out)
	}
	var runs []engine.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("runs output is not JSON: %v\n%s", err, out)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(runs))
	}
	if runs[0].State == engine.StateFailed {
		t.Errorf("recorded run failed: %s", runs[0].Failure)
	}
}

func TestModelStageWithoutRunner(t *testing.T) {
	dir := initProject(t)
	dropRunner(t, dir)

	_, err := execute(t, "prepare-base-model", "--project", dir)
	if err == nil {
		t.Fatal("expected an error without a runner section")
	}
	if !engine.IsKind(err, engine.KindConfig) {
		t.Errorf("expected a config error, got %v", err)
	}
}

func TestNeedsEngine(t *testing.T) {
	tests := []struct {
		names []engine.StageName
		want  bool
	}{
		{nil, true},
		{[]engine.StageName{engine.StageIngestion}, false},
		{[]engine.StageName{engine.StageTraining}, true},
	}
	for _, tt := range tests {
		if got := needsEngine(tt.names); got != tt.want {
			t.Errorf("needsEngine(%v) = %v, want %v", tt.names, got, tt.want)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out)
	}
	if v["version"] != "test" || v["commit"] != "abc123" {
		t.Errorf("unexpected version info: %v", v)
	}
}
