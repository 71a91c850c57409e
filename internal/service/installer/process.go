package installer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/brewkit/internal/logger"
)

// warnRunning logs a warning for each running process whose executable name
// matches an executable about to be replaced.
func warnRunning(ctx context.Context, placements []placement) {
	names := make(map[string]string, len(placements))

	for _, p := range placements {
		if !p.executable {
			continue
		}

		if _, err := os.Lstat(p.dst); err != nil {
			continue
		}

		names[filepath.Base(p.dst)] = p.dst
	}

	if len(names) == 0 {
		return
	}

	processes, err := ps.Processes()
	if err != nil {
		logger.DebugKV(ctx, "Unable to list processes", "error", err)
		return
	}

	self := os.Getpid()

	for _, process := range processes {
		if process.Pid() == self {
			continue
		}

		if path, found := names[process.Executable()]; found {
			logger.WarnKV(ctx, "Replacing the executable of a running process",
				"pid", process.Pid(), "executable", process.Executable(), "path", path)
		}
	}
}
