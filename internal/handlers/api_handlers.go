// Package handlers implements the ingestion API agents talk to, plus the
// administrator routes that drive it.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"worksync/internal/models"
)

type MonitorHandler struct {
	DB        *gorm.DB
	UploadDir string
	Log       *zap.Logger
	Now       func() time.Time
}

func NewMonitorHandler(db *gorm.DB, uploadDir string, log *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		DB:        db,
		UploadDir: uploadDir,
		Log:       log,
		Now:       time.Now,
	}
}

// Register mounts every route. Admin routes are only mounted when adminKey
// is set.
func (h *MonitorHandler) Register(r gin.IRouter, adminKey string) {
	api := r.Group("/", CompanyKey(h.DB))
	api.POST("/login", RateLimit(rate.Limit(5), 10), h.Login)
	api.POST("/login-check", h.LoginCheck)
	api.POST("/work-session/create", h.CreateSession)
	api.POST("/work-session/stop", h.StopSession)
	api.POST("/check-session-active", h.CheckSessionActive)
	api.POST("/upload/employee-activity", h.UploadActivity)
	api.POST("/screenshot/upload", h.UploadScreenshot)
	api.GET("/employee-config/", h.EmployeeConfig)

	if adminKey == "" {
		return
	}
	admin := r.Group("/admin", AdminKey(adminKey))
	admin.POST("/companies", h.CreateCompany)
	admin.PATCH("/companies/:id", h.UpdateCompany)

	tenant := admin.Group("", CompanyKey(h.DB))
	tenant.GET("/employees", h.ListEmployees)
	tenant.POST("/employees", h.CreateEmployee)
	tenant.GET("/work-sessions", h.ListSessions)
	tenant.PATCH("/policy", h.UpdatePolicy)
	tenant.POST("/work-session/end", h.EndSession)
	tenant.GET("/stats", h.GetDashboardStats)
}

type loginRequest struct {
	Email     string `json:"email" binding:"required"`
	Password  string `json:"password" binding:"required"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	IPAddress string `json:"ip_address"`
}

// Login checks the password and issues a fresh active token. Earlier tokens
// stop working.
func (h *MonitorHandler) Login(c *gin.Context) {
	var in loginRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	company := companyOf(c)

	var emp models.Employee
	err := h.DB.Where("company_id = ? AND email = ?", company.ID, strings.ToLower(in.Email)).First(&emp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		h.internal(c, "load employee", err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(emp.PasswordHash), []byte(in.Password)) != nil {
		fail(c, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token := uuid.NewString()
	err = h.DB.Model(&emp).Updates(models.Employee{
		ActiveToken: token,
		Hostname:    in.Hostname,
		OS:          in.OS,
		IPAddress:   in.IPAddress,
		LastSeen:    h.Now(),
	}).Error
	if err != nil {
		h.internal(c, "issue token", err)
		return
	}
	ok(c, gin.H{
		"id":           emp.ID,
		"active_token": token,
		"company_id":   company.ID,
		"name":         emp.Name,
		"email":        emp.Email,
	})
}

func (h *MonitorHandler) LoginCheck(c *gin.Context) {
	var in struct {
		ID    uint   `json:"id" binding:"required"`
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	var emp models.Employee
	err := h.DB.Where("id = ? AND company_id = ?", in.ID, companyOf(c).ID).First(&emp).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		h.internal(c, "load employee", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": err == nil && emp.ActiveToken != "" && emp.ActiveToken == in.Token})
}

// authEmployee loads the employee and checks its active token, writing the
// error response itself.
func (h *MonitorHandler) authEmployee(c *gin.Context, employeeID uint, token string) (*models.Employee, bool) {
	var emp models.Employee
	err := h.DB.Where("id = ? AND company_id = ?", employeeID, companyOf(c).ID).First(&emp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "employee not found")
		return nil, false
	}
	if err != nil {
		h.internal(c, "load employee", err)
		return nil, false
	}
	if emp.ActiveToken == "" || emp.ActiveToken != token {
		fail(c, http.StatusUnauthorized, "invalid active token")
		return nil, false
	}
	return &emp, true
}

func (h *MonitorHandler) employeeByToken(c *gin.Context) (*models.Employee, bool) {
	scheme, token, _ := strings.Cut(c.GetHeader("Authorization"), " ")
	if !strings.EqualFold(scheme, "Token") || token == "" {
		fail(c, http.StatusUnauthorized, "missing token")
		return nil, false
	}
	var emp models.Employee
	err := h.DB.Where("company_id = ? AND active_token = ?", companyOf(c).ID, token).First(&emp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	if err != nil {
		h.internal(c, "load employee", err)
		return nil, false
	}
	return &emp, true
}

// EmployeeConfig serves the company's policy, creating the default one on
// first use.
func (h *MonitorHandler) EmployeeConfig(c *gin.Context) {
	if _, ok := h.employeeByToken(c); !ok {
		return
	}
	company := companyOf(c)
	pol := models.DefaultPolicy(company.ID)
	pol.UpdatedAt = h.Now()
	if err := h.DB.Where(models.CompanyPolicy{CompanyID: company.ID}).FirstOrCreate(&pol).Error; err != nil {
		h.internal(c, "load policy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  true,
		"config":  pol,
		"company": gin.H{"id": company.ID, "name": company.Name},
	})
}

// GetDashboardStats summarizes the tenant's data.
func (h *MonitorHandler) GetDashboardStats(c *gin.Context) {
	company := companyOf(c)
	var employees, openSessions, activities, screenshots int64

	db := h.DB.Where("company_id = ?", company.ID).Session(&gorm.Session{})
	err := errors.Join(
		db.Model(&models.Employee{}).Count(&employees).Error,
		db.Model(&models.WorkSession{}).Where("end_time IS NULL").Count(&openSessions).Error,
		db.Model(&models.ActivityLog{}).Count(&activities).Error,
		db.Model(&models.Screenshot{}).Count(&screenshots).Error,
	)
	if err != nil {
		h.internal(c, "count", err)
		return
	}
	ok(c, gin.H{
		"total_employees":   employees,
		"open_sessions":     openSessions,
		"total_activities":  activities,
		"total_screenshots": screenshots,
	})
}

func (h *MonitorHandler) internal(c *gin.Context, what string, err error) {
	h.Log.Error(what, zap.String("path", c.FullPath()), zap.Error(err))
	fail(c, http.StatusInternalServerError, "internal error")
}
