package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// toolchainPackages are installed into the shared volume once, at worker
// startup. Per-job runs resolve them through NODE_PATH without installing
// anything.
var toolchainPackages = []string{
	"jest@29",
	"ts-jest@29",
	"typescript@5",
	"@types/jest@29",
	"ts-node",
	"@google/gemini-cli",
}

// markerBinaries must exist in the toolchain volume for it to be considered
// populated.
var markerBinaries = []string{
	ToolchainBin + "/jest",
	ToolchainBin + "/tsc",
	ToolchainBin + "/gemini",
}

const bootstrapTimeout = 10 * time.Minute

// Bootstrap ensures the toolchain volume is populated. It probes for the
// marker binaries and, when any is missing, runs a one-off privileged
// install with network access. Failures are logged and swallowed: per-job
// runs will then fail explicitly rather than blocking worker startup.
func Bootstrap(ctx context.Context, runner Runner, log *slog.Logger) {
	probe := make([]string, 0, len(markerBinaries))
	for _, bin := range markerBinaries {
		probe = append(probe, "test -x "+bin)
	}

	result := runner.Run(ctx, RunRequest{
		Command: "sh",
		Args:    []string{"-c", strings.Join(probe, " && ")},
		Timeout: 30 * time.Second,
	})
	if result.Success {
		log.Info("toolchain volume ready")
		return
	}

	log.Info("toolchain volume missing markers, installing",
		slog.String("packages", strings.Join(toolchainPackages, " ")))

	install := runner.Run(ctx, RunRequest{
		Command: "sh",
		Args: []string{"-c",
			"mkdir -p " + ToolchainDir +
				" && cd " + ToolchainDir +
				" && npm install --no-save --no-audit --no-fund " + strings.Join(toolchainPackages, " "),
		},
		Timeout:           bootstrapTimeout,
		AllowNetwork:      true,
		RunAsRoot:         true,
		ToolchainWritable: true,
	})
	if !install.Success {
		log.Error("toolchain bootstrap failed; sandboxed runs will fail until resolved",
			slog.String("output", truncate(install.Output, 2048)))
		return
	}

	// Verify markers landed.
	verify := runner.Run(ctx, RunRequest{
		Command: "sh",
		Args:    []string{"-c", strings.Join(probe, " && ")},
		Timeout: 30 * time.Second,
	})
	if !verify.Success {
		log.Error("toolchain bootstrap completed but markers are still missing",
			slog.String("output", truncate(verify.Output, 2048)))
		return
	}

	log.Info("toolchain volume populated")
}
