// Package models holds the reference server's gorm tables. Every row is
// scoped to a company.
package models

import (
	"time"

	"gorm.io/gorm"
)

type Company struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Key       string    `gorm:"column:api_key;uniqueIndex" json:"-"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

type Employee struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	CompanyID    uint   `gorm:"uniqueIndex:idx_company_email" json:"company_id"`
	Name         string `json:"name"`
	Email        string `gorm:"uniqueIndex:idx_company_email" json:"email"`
	PasswordHash string `json:"-"`
	ActiveToken  string `gorm:"index" json:"-"`

	Hostname  string    `json:"hostname"`
	OS        string    `json:"os"`
	IPAddress string    `json:"ip_address"`
	LastSeen  time.Time `json:"last_seen"`
}

type WorkSession struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	CompanyID  uint       `gorm:"index" json:"company_id"`
	EmployeeID uint       `gorm:"index" json:"employee_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	EndReason  string     `json:"end_reason"`
}

func (s *WorkSession) Open() bool { return s.EndTime == nil }

type ApplicationUsage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CompanyID     uint      `gorm:"index" json:"company_id"`
	EmployeeID    uint      `json:"employee_id"`
	WorkSessionID uint      `gorm:"index" json:"work_session_id"`
	AppName       string    `json:"app_name"`
	WindowTitle   string    `json:"window_title"`
	ActiveSeconds int64     `json:"active_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

type WebsiteUsage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CompanyID     uint      `gorm:"index" json:"company_id"`
	EmployeeID    uint      `json:"employee_id"`
	WorkSessionID uint      `gorm:"index" json:"work_session_id"`
	Domain        string    `json:"domain"`
	URL           string    `json:"url"`
	ActiveSeconds int64     `json:"active_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

type ActivityLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	CompanyID       uint      `gorm:"index" json:"company_id"`
	EmployeeID      uint      `json:"employee_id"`
	WorkSessionID   uint      `gorm:"index" json:"work_session_id"`
	MinuteType      string    `json:"minute_type"`
	ActiveSeconds   int64     `json:"active_seconds"`
	DurationSeconds int64     `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

type Screenshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CompanyID     uint      `gorm:"index" json:"company_id"`
	EmployeeID    uint      `json:"employee_id"`
	WorkSessionID uint      `gorm:"index" json:"work_session_id"`
	FilePath      string    `json:"file_path"`
	CaptureTime   time.Time `json:"capture_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompanyPolicy is the tracking configuration served to agents. Version
// increases on every change.
type CompanyPolicy struct {
	ID                        uint      `gorm:"primaryKey" json:"-"`
	CompanyID                 uint      `gorm:"uniqueIndex" json:"-"`
	ScreenshotsEnabled        bool      `json:"screenshots_enabled"`
	ScreenshotIntervalSeconds int       `json:"screenshot_interval_seconds"`
	TrackApplications         bool      `json:"track_applications"`
	TrackWebsites             bool      `json:"track_websites"`
	IdleThresholdSeconds      int       `json:"idle_threshold_seconds"`
	SyncIntervalSeconds       int       `json:"sync_interval_seconds"`
	ConfigSyncIntervalSeconds int       `json:"config_sync_interval_seconds"`
	Version                   int64     `json:"config_version"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// DefaultPolicy is created the first time a company's config is read.
func DefaultPolicy(companyID uint) CompanyPolicy {
	return CompanyPolicy{
		CompanyID:                 companyID,
		ScreenshotsEnabled:        true,
		ScreenshotIntervalSeconds: 300,
		TrackApplications:         true,
		TrackWebsites:             true,
		IdleThresholdSeconds:      300,
		SyncIntervalSeconds:       30,
		ConfigSyncIntervalSeconds: 60,
		Version:                   1,
	}
}

// UploadBatch remembers accepted activity batch ids so a replay is ignored.
type UploadBatch struct {
	ID            uint      `gorm:"primaryKey"`
	BatchID       string    `gorm:"uniqueIndex"`
	WorkSessionID uint      `gorm:"index"`
	Records       int       `json:"records"`
	CreatedAt     time.Time `json:"created_at"`
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Company{},
		&Employee{},
		&WorkSession{},
		&ApplicationUsage{},
		&WebsiteUsage{},
		&ActivityLog{},
		&Screenshot{},
		&CompanyPolicy{},
		&UploadBatch{},
	)
}
