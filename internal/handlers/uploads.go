package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"worksync/internal/models"
)

// MaxScreenshotBody bounds a screenshot upload request.
const MaxScreenshotBody = 16 << 20

type activityBatch struct {
	EmployeeID    uint   `json:"employee_id" binding:"required"`
	WorkSessionID uint   `json:"work_session_id" binding:"required"`
	ActiveToken   string `json:"active_token" binding:"required"`
	BatchID       string `json:"batch_id"`
	Applications  []struct {
		AppName       string    `json:"app_name"`
		WindowTitle   string    `json:"window_title"`
		ActiveSeconds int64     `json:"active_seconds"`
		CreatedAt     time.Time `json:"created_at"`
	} `json:"applications"`
	Websites []struct {
		Domain        string    `json:"domain"`
		URL           string    `json:"url"`
		ActiveSeconds int64     `json:"active_seconds"`
		CreatedAt     time.Time `json:"created_at"`
	} `json:"websites"`
	Activities []struct {
		MinuteType      string    `json:"minute_type"`
		ActiveSeconds   int64     `json:"active_seconds"`
		DurationSeconds int64     `json:"duration_seconds"`
		CreatedAt       time.Time `json:"created_at"`
	} `json:"activities"`
}

func (b *activityBatch) validate() error {
	for i, a := range b.Applications {
		if a.AppName == "" || a.ActiveSeconds < 0 {
			return xerrors.Errorf("applications[%d]: invalid entry", i)
		}
	}
	for i, w := range b.Websites {
		if w.Domain == "" || w.ActiveSeconds < 0 {
			return xerrors.Errorf("websites[%d]: invalid entry", i)
		}
	}
	for i, a := range b.Activities {
		if a.MinuteType != "active" && a.MinuteType != "idle" {
			return xerrors.Errorf("activities[%d]: unknown minute_type %q", i, a.MinuteType)
		}
		if a.ActiveSeconds < 0 || a.DurationSeconds < 0 || a.ActiveSeconds > a.DurationSeconds {
			return xerrors.Errorf("activities[%d]: invalid durations", i)
		}
	}
	return nil
}

func (b *activityBatch) len() int {
	return len(b.Applications) + len(b.Websites) + len(b.Activities)
}

// UploadActivity stores one batch of usage records. A batch id seen before
// is acknowledged without storing anything.
func (h *MonitorHandler) UploadActivity(c *gin.Context) {
	var in activityBatch
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := in.validate(); err != nil {
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	emp, authed := h.authEmployee(c, in.EmployeeID, in.ActiveToken)
	if !authed {
		return
	}
	ws, found := h.loadSession(c, in.WorkSessionID, emp.ID)
	if !found {
		return
	}

	duplicate := false
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if in.BatchID != "" {
			rec := models.UploadBatch{BatchID: in.BatchID, WorkSessionID: ws.ID, Records: in.len(), CreatedAt: h.Now()}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				duplicate = true
				return nil
			}
		}
		return h.storeBatch(tx, emp, ws, &in)
	})
	if err != nil {
		h.internal(c, "store activity", err)
		return
	}
	if duplicate {
		h.Log.Debug("duplicate activity batch", zap.String("batch_id", in.BatchID), zap.Uint("session_id", ws.ID))
	}
	ok(c, gin.H{"records": in.len(), "duplicate": duplicate})
}

func (h *MonitorHandler) storeBatch(tx *gorm.DB, emp *models.Employee, ws *models.WorkSession, in *activityBatch) error {
	apps := make([]models.ApplicationUsage, 0, len(in.Applications))
	for _, a := range in.Applications {
		apps = append(apps, models.ApplicationUsage{
			CompanyID: emp.CompanyID, EmployeeID: emp.ID, WorkSessionID: ws.ID,
			AppName: a.AppName, WindowTitle: a.WindowTitle, ActiveSeconds: a.ActiveSeconds, CreatedAt: a.CreatedAt,
		})
	}
	sites := make([]models.WebsiteUsage, 0, len(in.Websites))
	for _, w := range in.Websites {
		sites = append(sites, models.WebsiteUsage{
			CompanyID: emp.CompanyID, EmployeeID: emp.ID, WorkSessionID: ws.ID,
			Domain: w.Domain, URL: w.URL, ActiveSeconds: w.ActiveSeconds, CreatedAt: w.CreatedAt,
		})
	}
	logs := make([]models.ActivityLog, 0, len(in.Activities))
	for _, a := range in.Activities {
		logs = append(logs, models.ActivityLog{
			CompanyID: emp.CompanyID, EmployeeID: emp.ID, WorkSessionID: ws.ID,
			MinuteType: a.MinuteType, ActiveSeconds: a.ActiveSeconds, DurationSeconds: a.DurationSeconds, CreatedAt: a.CreatedAt,
		})
	}
	if len(apps) > 0 {
		if err := tx.Create(&apps).Error; err != nil {
			return err
		}
	}
	if len(sites) > 0 {
		if err := tx.Create(&sites).Error; err != nil {
			return err
		}
	}
	if len(logs) > 0 {
		if err := tx.Create(&logs).Error; err != nil {
			return err
		}
	}
	return nil
}

// UploadScreenshot decodes a base64 PNG and files it under the tenant's
// upload directory.
func (h *MonitorHandler) UploadScreenshot(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxScreenshotBody)
	var in struct {
		EmployeeID    uint      `json:"employee_id" binding:"required"`
		WorkSessionID uint      `json:"work_session_id" binding:"required"`
		ActiveToken   string    `json:"active_token" binding:"required"`
		Photo         string    `json:"photo" binding:"required"`
		CaptureTime   time.Time `json:"capture_time"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, "screenshot too large")
			return
		}
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	photo, err := decodePhoto(in.Photo)
	if err != nil {
		fail(c, http.StatusBadRequest, "photo is not valid base64")
		return
	}
	emp, authed := h.authEmployee(c, in.EmployeeID, in.ActiveToken)
	if !authed {
		return
	}
	ws, found := h.loadSession(c, in.WorkSessionID, emp.ID)
	if !found {
		return
	}

	dir := filepath.Join(h.UploadDir, strconv.FormatUint(uint64(emp.CompanyID), 10), strconv.FormatUint(uint64(emp.ID), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.internal(c, "create upload dir", err)
		return
	}
	path := filepath.Join(dir, uuid.NewString()+".png")
	if err := os.WriteFile(path, photo, 0o644); err != nil {
		h.internal(c, "write screenshot", err)
		return
	}

	captured := in.CaptureTime
	if captured.IsZero() {
		captured = h.Now()
	}
	shot := models.Screenshot{
		CompanyID:     emp.CompanyID,
		EmployeeID:    emp.ID,
		WorkSessionID: ws.ID,
		FilePath:      path,
		CaptureTime:   captured,
		CreatedAt:     h.Now(),
	}
	if err := h.DB.Create(&shot).Error; err != nil {
		os.Remove(path)
		h.internal(c, "store screenshot", err)
		return
	}
	ok(c, gin.H{"id": shot.ID})
}

func decodePhoto(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, rest, found := strings.Cut(s, ",")
		if !found {
			return nil, xerrors.New("malformed data url")
		}
		s = rest
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, xerrors.New("empty photo")
	}
	return b, nil
}
