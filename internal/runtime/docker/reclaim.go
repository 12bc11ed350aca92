package docker

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// TeardownUnusedRuntimes stops (never removes) every managed container whose
// inferred last activity is older than the configured idle timeout. A
// false-positive stop is recoverable: the next ensureReady restarts the
// container. Failures are isolated per container so one bad container does
// not abort the sweep.
func (b *Backend) TeardownUnusedRuntimes(ctx context.Context) error {
	list, err := b.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return fmt.Errorf("list managed containers: %w", err)
	}

	now := b.now().UTC()
	for _, c := range list {
		if c.State != "running" {
			continue
		}

		last := b.lastActivity(ctx, c.ID)
		idle := now.Sub(last)
		if idle < b.cfg.IdleTimeout {
			continue
		}

		if err := b.api.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
			b.logger.Error("failed to stop idle container",
				"container", c.ID,
				"runtime_id", c.Labels[labelRuntimeID],
				"error", err,
			)
			continue
		}

		containersReclaimedTotal.Inc()
		b.logger.Info("stopped idle runtime container",
			"container", c.ID,
			"runtime_id", c.Labels[labelRuntimeID],
			"idle", idle.Truncate(time.Second).String(),
		)
	}

	return nil
}

// lastActivity infers when a container last did real work by scanning its
// recent log output for the newest timestamped line that is not a
// readiness-probe request. Falls back to the container start time, then to
// the current time, so a container with unreadable logs is never stopped.
func (b *Backend) lastActivity(ctx context.Context, containerID string) time.Time {
	rc, err := b.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       reclaimLogTail,
	})
	if err == nil {
		defer rc.Close()
		if ts, ok := newestNonProbeTimestamp(bufio.NewScanner(rc)); ok {
			return ts
		}
	} else {
		b.logger.Debug("failed to read container logs", "container", containerID, "error", err)
	}

	inspect, err := b.api.ContainerInspect(ctx, containerID)
	if err == nil && inspect.State != nil {
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			return started
		}
	}

	return b.now().UTC()
}

// newestNonProbeTimestamp scans timestamped log lines and returns the newest
// timestamp among lines that are not readiness-probe requests.
func newestNonProbeTimestamp(scanner *bufio.Scanner) (time.Time, bool) {
	var newest time.Time
	found := false

	for scanner.Scan() {
		line := scanner.Bytes()
		// Multiplexed docker log streams prefix each line with an 8-byte
		// frame header; strip it when present.
		if len(line) > 8 && (line[0] == 0x01 || line[0] == 0x02) {
			line = line[8:]
		}

		ts, rest, ok := strings.Cut(string(line), " ")
		if !ok {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		if isProbeLine(rest) {
			continue
		}
		if parsed.After(newest) {
			newest = parsed
			found = true
		}
	}

	return newest, found
}

func isProbeLine(line string) bool {
	return strings.Contains(line, "GET "+probePath)
}
