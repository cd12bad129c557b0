package session

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handle is one started (or resumed) work session. Workers receive it at
// spawn time and check Active before each unit of work; a one-shot timer
// that fires after the session ended sees false and does nothing.
type Handle struct {
	localID    uint
	remoteID   int64
	employeeID int64
	companyID  int64
	token      string
	startedAt  time.Time

	active atomic.Bool
	cancel context.CancelFunc
	group  errgroup.Group
	report func(*Handle, error)
}

func (h *Handle) Active() bool         { return h.active.Load() }
func (h *Handle) LocalID() uint        { return h.localID }
func (h *Handle) RemoteID() int64      { return h.remoteID }
func (h *Handle) EmployeeID() int64    { return h.employeeID }
func (h *Handle) CompanyID() int64     { return h.companyID }
func (h *Handle) Token() string        { return h.token }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Report hands a worker failure to the session owner. It never blocks.
func (h *Handle) Report(err error) {
	if err == nil || h.report == nil {
		return
	}
	h.report(h, err)
}

func (h *Handle) deactivate() {
	h.active.Store(false)
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) wait() error {
	return h.group.Wait()
}
