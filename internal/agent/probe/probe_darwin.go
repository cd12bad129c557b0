//go:build darwin

package probe

import (
	"context"
	"time"
)

const frontmostScript = `tell application "System Events"
	set p to first application process whose frontmost is true
	set t to ""
	try
		set t to name of window 1 of p
	end try
	return (name of p) & linefeed & t
end tell`

func activeWindow(ctx context.Context) (Window, error) {
	out, err := run(ctx, "osascript", "-e", frontmostScript)
	if err != nil {
		return Window{}, err
	}
	return splitAppTitle(out), nil
}

func idleTime(ctx context.Context) (time.Duration, error) {
	out, err := run(ctx, "ioreg", "-c", "IOHIDSystem", "-d", "4")
	if err != nil {
		return 0, err
	}
	return parseHIDIdle(out)
}
