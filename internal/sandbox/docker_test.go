package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
)

// testImage is the runtime image used for integration tests.
const testImage = "unosim-runtime:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (build with: docker build -t %s -f docker/Dockerfile.runtime .)", testImage, testImage)
	}
}

func newTestDockerRunner(t *testing.T) *DockerRunner {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerRunner(DockerConfig{
		Image:     testImage,
		MemoryMB:  64,
		CPUCores:  0.5,
		PIDsLimit: 16,
	}, logger)
}

func TestDockerRunner_RunsSketchBinary(t *testing.T) {
	r := newTestDockerRunner(t)
	dir, bin := writeScript(t, `echo hello-from-container`)

	var out, errOut syncBuffer
	p, err := r.Start(context.Background(), StartRequest{
		Binary:  bin,
		WorkDir: dir,
		Stdout:  &out,
		Stderr:  &errOut,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := waitExit(t, p)
	if status.Code != 0 || status.Err != nil {
		t.Fatalf("status = %+v, want clean exit", status)
	}
	if got := strings.TrimSpace(out.String()); got != "hello-from-container" {
		t.Errorf("stdout = %q", got)
	}
}

func TestDockerRunner_KillTerminatesContainer(t *testing.T) {
	r := newTestDockerRunner(t)
	dir, bin := writeScript(t, `sleep 60`)

	var out syncBuffer
	p, err := r.Start(context.Background(), StartRequest{
		Binary: bin, WorkDir: dir, Stdout: &out, Stderr: &out,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(500 * time.Millisecond) // Let the container come up.
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	status := waitExit(t, p)
	if !status.Killed {
		t.Error("status.Killed = false after Kill")
	}
}

func TestDockerRunner_BuildArgsHardening(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := NewDockerRunner(DockerConfig{
		Image:     "unosim-runtime:latest",
		MemoryMB:  128,
		CPUCores:  0.5,
		PIDsLimit: 16,
	}, logger)

	args := r.buildDockerArgs("unosim-sbx-test", ResourceLimits{MaxMemoryMB: 128}.withDefaults(), "/tmp/build", "sketch.bin")

	required := []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",
		"--memory=128m",
		"--memory-swap=128m",
		"--cpus=0.50",
		"--pids-limit=16",
		"-i",
	}
	for _, flag := range required {
		if !slices.Contains(args, flag) {
			t.Errorf("docker args missing %q: %v", flag, args)
		}
	}
	if args[len(args)-1] != "/sketch/sketch.bin" {
		t.Errorf("command = %q, want /sketch/sketch.bin", args[len(args)-1])
	}
	if !slices.Contains(args, "/tmp/build:/sketch:ro") {
		t.Errorf("build dir not mounted read-only: %v", args)
	}
}
