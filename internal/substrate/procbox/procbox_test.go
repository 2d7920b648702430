package procbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/substrate"
)

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := New(t.TempDir(), 4, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateAndDestroyUnit(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	spec := substrate.UnitSpec{UnitID: model.NewID(), Runtime: model.RuntimePython}
	if err := s.CreateUnit(ctx, spec); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	dir := filepath.Join(s.rootDir, spec.UnitID)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("unit dir missing: %v", err)
	}

	if err := s.DestroyUnit(ctx, spec.UnitID); err != nil {
		t.Fatalf("DestroyUnit: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("unit dir still present after destroy")
	}

	// Destroying an unknown unit is a no-op.
	if err := s.DestroyUnit(ctx, "nonexistent"); err != nil {
		t.Errorf("DestroyUnit(unknown) = %v, want nil", err)
	}
}

func TestCreateUnitUnsupportedRuntime(t *testing.T) {
	s := newTestSubstrate(t)
	err := s.CreateUnit(context.Background(), substrate.UnitSpec{UnitID: "u1", Runtime: "cobol"})
	if err == nil {
		t.Fatal("expected error for unsupported runtime")
	}
}

func TestCreateUnitAtMaximum(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := s.CreateUnit(ctx, substrate.UnitSpec{UnitID: model.NewID(), Runtime: model.RuntimePython}); err != nil {
			t.Fatalf("CreateUnit %d: %v", i, err)
		}
	}
	if err := s.CreateUnit(ctx, substrate.UnitSpec{UnitID: model.NewID(), Runtime: model.RuntimePython}); err == nil {
		t.Fatal("expected error at substrate maximum")
	}
}

func TestExecRequiresPolicy(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()
	unitID := model.NewID()
	if err := s.CreateUnit(ctx, substrate.UnitSpec{UnitID: unitID, Runtime: model.RuntimePython}); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	_, err := s.Exec(ctx, unitID, substrate.ExecSpec{Code: "print('hi')"})
	if !errors.Is(err, errNoPolicy) {
		t.Fatalf("err = %v, want errNoPolicy", err)
	}
}

func TestApplyPolicyUnpacksSnapshot(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()
	unitID := model.NewID()
	if err := s.CreateUnit(ctx, substrate.UnitSpec{UnitID: unitID, Runtime: model.RuntimePython}); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	snapshot := makeTarGz(t, map[string]string{"data/config.txt": "tier=session"})
	policy := substrate.Policy{AllowedOps: substrate.DefaultAllowedOps, Snapshot: snapshot}
	if err := s.ApplyPolicy(ctx, unitID, policy); err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}

	u, err := s.unit(unitID)
	if err != nil {
		t.Fatalf("unit: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(u.scratch, "data", "config.txt"))
	if err != nil {
		t.Fatalf("snapshot file not extracted: %v", err)
	}
	if string(content) != "tier=session" {
		t.Errorf("snapshot content = %q", content)
	}

	// RemovePolicy clears the scratch area.
	if err := s.RemovePolicy(ctx, unitID); err != nil {
		t.Fatalf("RemovePolicy: %v", err)
	}
	if _, err := os.Stat(u.scratch); !errors.Is(err, os.ErrNotExist) {
		t.Error("scratch still present after RemovePolicy")
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte("evil"))
	tw.Close()
	gz.Close()

	if err := extractArchive(buf.Bytes(), t.TempDir()); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		rel  string
		ok   bool
	}{
		{"main.py", true},
		{"sub/dir/file.py", true},
		{"../outside", false},
		{"/etc/passwd", false},
		{"sub/../../outside", false},
	}
	for _, tt := range tests {
		err := validatePath("/tmp/scratch", tt.rel)
		if (err == nil) != tt.ok {
			t.Errorf("validatePath(%q) err = %v, want ok=%v", tt.rel, err, tt.ok)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := cappedBuffer{cap: 10}
	b.WriteLine("12345")
	b.WriteLine("67890")
	b.WriteLine("overflow")

	got := b.Bytes()
	if len(got) > 10 {
		t.Errorf("buffer length %d exceeds cap 10", len(got))
	}
	if !bytes.HasPrefix(got, []byte("12345\n")) {
		t.Errorf("buffer = %q, want prefix 12345", got)
	}
}

func TestCollectArtifactsMissingReported(t *testing.T) {
	scratch := t.TempDir()
	if err := os.WriteFile(filepath.Join(scratch, "out.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	artifacts := collectArtifacts(scratch, []string{"out.txt", "absent.txt", "../escape"})
	if len(artifacts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(artifacts))
	}
	if artifacts[0].Missing || string(artifacts[0].Content) != "ok" {
		t.Errorf("out.txt = %+v", artifacts[0])
	}
	if !artifacts[1].Missing {
		t.Error("absent.txt not marked missing")
	}
	if !artifacts[2].Missing {
		t.Error("escaping path not marked missing")
	}
}

func TestExecEnvScrubsProxyWhenNetworkDisabled(t *testing.T) {
	policy := &substrate.Policy{NetworkEnabled: false}
	env := execEnv("/scratch", policy, map[string]string{"HTTP_PROXY": "http://corp:8080", "APP_MODE": "test"})

	for _, kv := range env {
		if kv == "HTTP_PROXY=http://corp:8080" {
			t.Error("request-set proxy survived network-disabled policy")
		}
	}
	found := false
	for _, kv := range env {
		if kv == "APP_MODE=test" {
			found = true
		}
	}
	if !found {
		t.Error("request env APP_MODE dropped")
	}
}

// makeTarGz builds a tar.gz archive of the given name→content map.
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

// newExecUnit provisions a unit with an empty policy, ready for Exec.
func newExecUnit(t *testing.T, s *Substrate) string {
	t.Helper()
	ctx := context.Background()
	unitID := model.NewID()
	if err := s.CreateUnit(ctx, substrate.UnitSpec{UnitID: unitID, Runtime: model.RuntimePython}); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if err := s.ApplyPolicy(ctx, unitID, substrate.Policy{}); err != nil {
		t.Fatalf("ApplyPolicy: %v", err)
	}
	return unitID
}

func TestExecEnforcesTimeout(t *testing.T) {
	requirePython(t)
	s := newTestSubstrate(t)
	unitID := newExecUnit(t, s)

	start := time.Now()
	res, err := s.Exec(context.Background(), unitID, substrate.ExecSpec{
		Code:      "import time\nprint('started', flush=True)\ntime.sleep(5)\nprint('done')",
		TimeoutMS: 500,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("process outlived its deadline: ran %v with a 500ms timeout", elapsed)
	}
	if !strings.Contains(string(res.Stdout), "started") {
		t.Errorf("partial output lost, stdout = %q", res.Stdout)
	}
	if strings.Contains(string(res.Stdout), "done") {
		t.Errorf("process ran to completion past its deadline, stdout = %q", res.Stdout)
	}
}

func TestExecWithinTimeoutIsNotTimedOut(t *testing.T) {
	requirePython(t)
	s := newTestSubstrate(t)
	unitID := newExecUnit(t, s)

	res, err := s.Exec(context.Background(), unitID, substrate.ExecSpec{
		Code:      "print('quick')",
		TimeoutMS: 10_000,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if res.TimedOut {
		t.Error("TimedOut = true for a process that finished in time")
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "quick") {
		t.Errorf("stdout = %q, want it to contain %q", res.Stdout, "quick")
	}
}

func TestExecCallerCancelIsNotTimedOut(t *testing.T) {
	requirePython(t)
	s := newTestSubstrate(t)
	unitID := newExecUnit(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := s.Exec(ctx, unitID, substrate.ExecSpec{
		Code:      "import time\ntime.sleep(10)",
		TimeoutMS: 30_000,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if res.TimedOut {
		t.Error("TimedOut = true for an externally cancelled run")
	}
	if res.Signal == "" {
		t.Error("expected a signal exit after cancellation")
	}
}
