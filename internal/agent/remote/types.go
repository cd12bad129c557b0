package remote

import (
	"encoding/json"
	"time"
)

// envelope is the common response shape of every ingestion endpoint.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DeviceInfo describes the machine the agent runs on. It rides along with
// login so the dashboard can tell devices apart.
type DeviceInfo struct {
	Hostname  string `json:"hostname,omitempty"`
	OS        string `json:"os,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceInfo
}

type Login struct {
	ID          int64  `json:"id"`
	ActiveToken string `json:"active_token"`
	CompanyID   int64  `json:"company_id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
}

// SessionStatus is the answer to a health check. Active false is the
// remote-initiated termination signal.
type SessionStatus struct {
	Active  bool
	Message string
	Reason  string
}

type ApplicationEntry struct {
	AppName       string    `json:"app_name"`
	WindowTitle   string    `json:"window_title"`
	ActiveSeconds int64     `json:"active_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

type WebsiteEntry struct {
	Domain        string    `json:"domain"`
	URL           string    `json:"url"`
	ActiveSeconds int64     `json:"active_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

type ActivityEntry struct {
	MinuteType      string    `json:"minute_type"`
	ActiveSeconds   int64     `json:"active_seconds"`
	DurationSeconds int64     `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActivityBatch groups every pending usage record of one session into a
// single upload. BatchID lets the server discard a replayed batch.
type ActivityBatch struct {
	EmployeeID    int64              `json:"employee_id"`
	WorkSessionID int64              `json:"work_session_id"`
	ActiveToken   string             `json:"active_token"`
	BatchID       string             `json:"batch_id,omitempty"`
	Applications  []ApplicationEntry `json:"applications"`
	Websites      []WebsiteEntry     `json:"websites"`
	Activities    []ActivityEntry    `json:"activities"`
}

func (b *ActivityBatch) Len() int {
	return len(b.Applications) + len(b.Websites) + len(b.Activities)
}

type ScreenshotUpload struct {
	EmployeeID    int64     `json:"employee_id"`
	WorkSessionID int64     `json:"work_session_id"`
	ActiveToken   string    `json:"active_token"`
	Photo         string    `json:"photo"`
	CaptureTime   time.Time `json:"capture_time"`
}

// PolicyDocument is the raw employee-config payload. Config is kept raw so
// the policy package owns its own schema.
type PolicyDocument struct {
	Config  json.RawMessage `json:"config"`
	Company Company         `json:"company"`
}

type Company struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
