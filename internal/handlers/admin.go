package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"worksync/internal/models"
)

func (h *MonitorHandler) CreateCompany(c *gin.Context) {
	var in struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	key, err := newCompanyKey()
	if err != nil {
		h.internal(c, "generate key", err)
		return
	}
	company := models.Company{Name: in.Name, Key: key, CreatedAt: h.Now()}
	if err := h.DB.Create(&company).Error; err != nil {
		h.internal(c, "create company", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": true, "data": company, "key": key})
}

func (h *MonitorHandler) UpdateCompany(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid company id")
		return
	}
	var in struct {
		Name      *string `json:"name"`
		Suspended *bool   `json:"suspended"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var company models.Company
	err = h.DB.First(&company, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "company not found")
		return
	}
	if err != nil {
		h.internal(c, "load company", err)
		return
	}
	updates := map[string]any{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.Suspended != nil {
		updates["suspended"] = *in.Suspended
	}
	if len(updates) > 0 {
		if err := h.DB.Model(&company).Updates(updates).Error; err != nil {
			h.internal(c, "update company", err)
			return
		}
	}
	ok(c, company)
}

func (h *MonitorHandler) CreateEmployee(c *gin.Context) {
	var in struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		h.internal(c, "hash password", err)
		return
	}
	company := companyOf(c)
	email := strings.ToLower(in.Email)

	var n int64
	if err := h.DB.Model(&models.Employee{}).Where("company_id = ? AND email = ?", company.ID, email).Count(&n).Error; err != nil {
		h.internal(c, "check email", err)
		return
	}
	if n > 0 {
		fail(c, http.StatusConflict, "email already registered")
		return
	}
	emp := models.Employee{
		CompanyID:    company.ID,
		Name:         in.Name,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := h.DB.Create(&emp).Error; err != nil {
		h.internal(c, "create employee", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": true, "data": emp})
}

// UpdatePolicy applies a partial change to the company's policy and bumps
// its version so agents pick it up.
func (h *MonitorHandler) UpdatePolicy(c *gin.Context) {
	var in struct {
		ScreenshotsEnabled        *bool `json:"screenshots_enabled"`
		ScreenshotIntervalSeconds *int  `json:"screenshot_interval_seconds" binding:"omitempty,min=30"`
		TrackApplications         *bool `json:"track_applications"`
		TrackWebsites             *bool `json:"track_websites"`
		IdleThresholdSeconds      *int  `json:"idle_threshold_seconds" binding:"omitempty,min=1"`
		SyncIntervalSeconds       *int  `json:"sync_interval_seconds" binding:"omitempty,min=1"`
		ConfigSyncIntervalSeconds *int  `json:"config_sync_interval_seconds" binding:"omitempty,min=1"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	company := companyOf(c)

	var pol models.CompanyPolicy
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		pol = models.DefaultPolicy(company.ID)
		if err := tx.Where(models.CompanyPolicy{CompanyID: company.ID}).FirstOrCreate(&pol).Error; err != nil {
			return err
		}
		if in.ScreenshotsEnabled != nil {
			pol.ScreenshotsEnabled = *in.ScreenshotsEnabled
		}
		if in.ScreenshotIntervalSeconds != nil {
			pol.ScreenshotIntervalSeconds = *in.ScreenshotIntervalSeconds
		}
		if in.TrackApplications != nil {
			pol.TrackApplications = *in.TrackApplications
		}
		if in.TrackWebsites != nil {
			pol.TrackWebsites = *in.TrackWebsites
		}
		if in.IdleThresholdSeconds != nil {
			pol.IdleThresholdSeconds = *in.IdleThresholdSeconds
		}
		if in.SyncIntervalSeconds != nil {
			pol.SyncIntervalSeconds = *in.SyncIntervalSeconds
		}
		if in.ConfigSyncIntervalSeconds != nil {
			pol.ConfigSyncIntervalSeconds = *in.ConfigSyncIntervalSeconds
		}
		pol.Version++
		pol.UpdatedAt = h.Now()
		return tx.Save(&pol).Error
	})
	if err != nil {
		h.internal(c, "update policy", err)
		return
	}
	ok(c, pol)
}

func (h *MonitorHandler) ListEmployees(c *gin.Context) {
	var emps []models.Employee
	if err := h.DB.Where("company_id = ?", companyOf(c).ID).Order("id").Find(&emps).Error; err != nil {
		h.internal(c, "list employees", err)
		return
	}
	ok(c, emps)
}

type sessionSummary struct {
	models.WorkSession
	ActiveSeconds int64 `json:"active_seconds"`
	TotalSeconds  int64 `json:"total_seconds"`
	Screenshots   int64 `json:"screenshots"`
}

// ListSessions returns the tenant's sessions started on ?date=YYYY-MM-DD
// (UTC, default today), optionally for one ?employee_id, with the uploaded
// activity summed per session.
func (h *MonitorHandler) ListSessions(c *gin.Context) {
	day := h.Now().UTC().Truncate(24 * time.Hour)
	if raw := c.Query("date"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}
	q := h.DB.Where("company_id = ? AND start_time >= ? AND start_time < ?", companyOf(c).ID, day, day.Add(24*time.Hour))
	if raw := c.Query("employee_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid employee_id")
			return
		}
		q = q.Where("employee_id = ?", id)
	}
	var sessions []models.WorkSession
	if err := q.Order("start_time").Find(&sessions).Error; err != nil {
		h.internal(c, "list sessions", err)
		return
	}

	out := make([]sessionSummary, 0, len(sessions))
	for _, ws := range sessions {
		sum := sessionSummary{WorkSession: ws}
		var totals struct {
			Active int64
			Total  int64
		}
		err := errors.Join(
			h.DB.Model(&models.ActivityLog{}).Where("work_session_id = ?", ws.ID).
				Select("COALESCE(SUM(active_seconds), 0) AS active, COALESCE(SUM(duration_seconds), 0) AS total").
				Scan(&totals).Error,
			h.DB.Model(&models.Screenshot{}).Where("work_session_id = ?", ws.ID).Count(&sum.Screenshots).Error,
		)
		if err != nil {
			h.internal(c, "summarize session", err)
			return
		}
		sum.ActiveSeconds, sum.TotalSeconds = totals.Active, totals.Total
		out = append(out, sum)
	}
	ok(c, out)
}

func newCompanyKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ck_" + hex.EncodeToString(b), nil
}
