//go:build !linux && !darwin && !windows

package probe

import (
	"context"
	"time"
)

func activeWindow(context.Context) (Window, error) { return Window{}, ErrUnsupported }

func idleTime(context.Context) (time.Duration, error) { return 0, ErrUnsupported }
