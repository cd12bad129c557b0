package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"worksync/internal/models"
)

const (
	ReasonStopped  = "stopped"
	ReasonReplaced = "replaced"
	ReasonAdmin    = "ended by administrator"
)

type sessionRequest struct {
	SessionID   uint   `json:"session_id"`
	EmployeeID  uint   `json:"employee_id" binding:"required"`
	ActiveToken string `json:"active_token" binding:"required"`
}

// CreateSession opens a work session. Any session the employee still has
// open is ended as replaced, so an employee has at most one.
func (h *MonitorHandler) CreateSession(c *gin.Context) {
	var in sessionRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	emp, authed := h.authEmployee(c, in.EmployeeID, in.ActiveToken)
	if !authed {
		return
	}

	now := h.Now()
	ws := models.WorkSession{CompanyID: emp.CompanyID, EmployeeID: emp.ID, StartTime: now}
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.WorkSession{}).
			Where("employee_id = ? AND end_time IS NULL", emp.ID).
			Updates(map[string]any{"end_time": now, "end_reason": ReasonReplaced}).Error
		if err != nil {
			return err
		}
		if err := tx.Create(&ws).Error; err != nil {
			return err
		}
		return tx.Model(emp).Update("last_seen", now).Error
	})
	if err != nil {
		h.internal(c, "create session", err)
		return
	}
	ok(c, gin.H{"id": ws.ID})
}

// StopSession ends a session. Stopping an ended session succeeds.
func (h *MonitorHandler) StopSession(c *gin.Context) {
	var in sessionRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	emp, authed := h.authEmployee(c, in.EmployeeID, in.ActiveToken)
	if !authed {
		return
	}
	ws, found := h.loadSession(c, in.SessionID, emp.ID)
	if !found {
		return
	}
	if ws.Open() {
		if err := h.endSession(ws, ReasonStopped); err != nil {
			h.internal(c, "stop session", err)
			return
		}
	}
	ok(c, nil)
}

// CheckSessionActive answers the agent's health poll. An ended session is a
// normal answer with status false and the reason it ended.
func (h *MonitorHandler) CheckSessionActive(c *gin.Context) {
	var in sessionRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	emp, authed := h.authEmployee(c, in.EmployeeID, in.ActiveToken)
	if !authed {
		return
	}
	ws, found := h.loadSession(c, in.SessionID, emp.ID)
	if !found {
		return
	}
	if !ws.Open() {
		c.JSON(http.StatusOK, gin.H{
			"status":  false,
			"message": "session has ended",
			"reason":  ws.EndReason,
		})
		return
	}
	h.DB.Model(emp).Update("last_seen", h.Now())
	ok(c, nil)
}

// EndSession lets an administrator end an employee's session. The agent
// learns about it on its next health poll.
func (h *MonitorHandler) EndSession(c *gin.Context) {
	var in struct {
		SessionID uint   `json:"session_id" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var ws models.WorkSession
	err := h.DB.Where("id = ? AND company_id = ?", in.SessionID, companyOf(c).ID).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.internal(c, "load session", err)
		return
	}
	if !ws.Open() {
		fail(c, http.StatusConflict, "session already ended")
		return
	}
	reason := in.Reason
	if reason == "" {
		reason = ReasonAdmin
	}
	if err := h.endSession(&ws, reason); err != nil {
		h.internal(c, "end session", err)
		return
	}
	ok(c, ws)
}

func (h *MonitorHandler) loadSession(c *gin.Context, id, employeeID uint) (*models.WorkSession, bool) {
	var ws models.WorkSession
	err := h.DB.Where("id = ? AND employee_id = ?", id, employeeID).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		h.internal(c, "load session", err)
		return nil, false
	}
	return &ws, true
}

func (h *MonitorHandler) endSession(ws *models.WorkSession, reason string) error {
	now := h.Now()
	ws.EndTime = &now
	ws.EndReason = reason
	return h.DB.Model(ws).Updates(map[string]any{"end_time": now, "end_reason": reason}).Error
}
