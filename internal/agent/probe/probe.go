// Package probe reads the foreground window and user idle time from the
// operating system.
package probe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

var ErrUnsupported = xerrors.New("probe not supported on this platform")

const commandTimeout = 2 * time.Second

type Window struct {
	App   string
	Title string
}

// System probes the local desktop.
type System struct{}

func (System) ActiveWindow(ctx context.Context) (Window, error) { return activeWindow(ctx) }

func (System) IdleTime(ctx context.Context) (time.Duration, error) { return idleTime(ctx) }

func run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(out.String()), nil
}

// parseMillis reads xprintidle output.
func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parse idle millis %q: %w", s, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// parseHIDIdle finds HIDIdleTime (nanoseconds) in ioreg output.
func parseHIDIdle(out string) (time.Duration, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"HIDIdleTime"`) {
			continue
		}
		_, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, xerrors.Errorf("parse HIDIdleTime %q: %w", val, err)
		}
		return time.Duration(ns), nil
	}
	return 0, xerrors.New("HIDIdleTime not found")
}

// splitAppTitle splits the "app\ntitle" answer of the darwin script.
func splitAppTitle(out string) Window {
	app, title, _ := strings.Cut(out, "\n")
	return Window{App: strings.TrimSpace(app), Title: strings.TrimSpace(title)}
}
