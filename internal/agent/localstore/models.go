package localstore

import "time"

// CloseReason records which path ended a work session.
type CloseReason string

const (
	ClosedByStop    CloseReason = "stop"
	ClosedByRemote  CloseReason = "remote"
	ClosedByDiscard CloseReason = "discard"
	ClosedByReplace CloseReason = "replaced"
)

// WorkSession is one continuous tracked interval for one employee. RemoteID is
// zero until the server has acknowledged creation.
type WorkSession struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	RemoteID      int64       `gorm:"index" json:"remote_id"`
	EmployeeID    int64       `gorm:"index;not null" json:"employee_id"`
	CompanyID     int64       `gorm:"not null" json:"company_id"`
	StartTime     time.Time   `gorm:"not null" json:"start_time"`
	EndTime       *time.Time  `gorm:"index" json:"end_time"`
	TotalSeconds  int64       `json:"total_seconds"`
	ActiveSeconds int64       `json:"active_seconds"`
	IdleSeconds   int64       `json:"idle_seconds"`
	ClosedBy      CloseReason `json:"closed_by"`
}

func (s *WorkSession) Open() bool { return s.EndTime == nil }

// ActivityKind tags the payload carried by an ActivityRecord.
type ActivityKind string

const (
	KindApplication ActivityKind = "application"
	KindWebsite     ActivityKind = "website"
	KindActivity    ActivityKind = "activity"
)

type MinuteType string

const (
	MinuteActive MinuteType = "active"
	MinuteIdle   MinuteType = "idle"
)

// ActivityRecord is one measured interval of activity. Only the payload columns
// of its Kind are populated; the rest stay empty.
type ActivityRecord struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	SessionID  uint         `gorm:"index;not null" json:"session_id"`
	CompanyID  int64        `json:"company_id"`
	EmployeeID int64        `json:"employee_id"`
	Kind       ActivityKind `gorm:"index;not null" json:"kind"`

	// application
	AppName     string `json:"app_name,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	// website
	Domain string `json:"domain,omitempty"`
	URL    string `json:"url,omitempty"`
	// activity
	MinuteType MinuteType `json:"minute_type,omitempty"`

	ActiveSeconds   int64     `json:"active_seconds"`
	DurationSeconds int64     `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

func ApplicationUsage(app, title string, activeSeconds int64, at time.Time) ActivityRecord {
	return ActivityRecord{
		Kind:            KindApplication,
		AppName:         app,
		WindowTitle:     title,
		ActiveSeconds:   activeSeconds,
		DurationSeconds: activeSeconds,
		CreatedAt:       at,
	}
}

func WebsiteUsage(domain, url string, activeSeconds int64, at time.Time) ActivityRecord {
	return ActivityRecord{
		Kind:            KindWebsite,
		Domain:          domain,
		URL:             url,
		ActiveSeconds:   activeSeconds,
		DurationSeconds: activeSeconds,
		CreatedAt:       at,
	}
}

// ActivityLog summarizes one minute of the session as active or idle.
func ActivityLog(minute MinuteType, activeSeconds, durationSeconds int64, at time.Time) ActivityRecord {
	return ActivityRecord{
		Kind:            KindActivity,
		MinuteType:      minute,
		ActiveSeconds:   activeSeconds,
		DurationSeconds: durationSeconds,
		CreatedAt:       at,
	}
}

// ScreenshotRecord points at a capture on disk. Uploaded is the queue marker:
// false means pending.
type ScreenshotRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   uint      `gorm:"index;not null" json:"session_id"`
	CompanyID   int64     `json:"company_id"`
	EmployeeID  int64     `json:"employee_id"`
	FilePath    string    `gorm:"not null" json:"file_path"`
	CaptureTime time.Time `gorm:"index" json:"capture_time"`
	Uploaded    bool      `gorm:"index;not null;default:false" json:"uploaded"`
}

// Identity is the employee the agent last logged in as.
type Identity struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	EmployeeID int64     `json:"employee_id"`
	CompanyID  int64     `json:"company_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Token      string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}
