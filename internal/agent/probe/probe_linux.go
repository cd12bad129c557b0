//go:build linux

package probe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func activeWindow(ctx context.Context) (Window, error) {
	title, err := run(ctx, "xdotool", "getwindowfocus", "getwindowname")
	if err != nil {
		return Window{}, err
	}
	w := Window{Title: title}
	if pid, err := run(ctx, "xdotool", "getwindowfocus", "getwindowpid"); err == nil {
		if comm, err := os.ReadFile(filepath.Join("/proc", pid, "comm")); err == nil {
			w.App = strings.TrimSpace(string(comm))
		}
	}
	return w, nil
}

func idleTime(ctx context.Context) (time.Duration, error) {
	out, err := run(ctx, "xprintidle")
	if err != nil {
		return 0, err
	}
	return parseMillis(out)
}
