package sandbox

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// Probe selects the strongest available isolation level at startup:
// Docker when the daemon is reachable and the runtime image is built,
// otherwise the local-process fallback. The fallback is a deliberately
// weaker guarantee and is logged as such — never a silent equivalent.
func Probe(ctx context.Context, docker DockerConfig, process ProcessConfig, logger *slog.Logger) Runner {
	image := docker.Image
	if image == "" {
		image = defaultDockerImage
	}

	if dockerAvailable(ctx) {
		if imagePresent(ctx, image) {
			logger.Info("sandbox probe selected docker isolation",
				slog.String("image", image),
			)
			return NewDockerRunner(docker, logger)
		}
		logger.Warn("docker available but runtime image missing, falling back to process isolation",
			slog.String("image", image),
		)
	} else {
		logger.Warn("docker unavailable, falling back to process isolation")
	}

	logger.Warn("process isolation offers weaker guarantees: ulimit and process groups only")
	return NewProcessRunner(process, logger)
}

func dockerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

func imagePresent(ctx context.Context, image string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "images", "-q", image).Output()
	return err == nil && strings.TrimSpace(string(out)) != ""
}
