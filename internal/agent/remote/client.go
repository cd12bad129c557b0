// Package remote talks to the ingestion endpoint. Every call carries the
// tenant key, runs under an explicit timeout and fails with an *Error.
package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Timeouts per call class.
type Timeouts struct {
	Control time.Duration // login, session create/stop
	Status  time.Duration // login-check, check-session-active
	Policy  time.Duration // employee-config
	Upload  time.Duration // activity and screenshot uploads
}

var DefaultTimeouts = Timeouts{
	Control: 30 * time.Second,
	Status:  5 * time.Second,
	Policy:  5 * time.Second,
	Upload:  30 * time.Second,
}

type Client struct {
	http     *resty.Client
	timeouts Timeouts
	log      *zap.Logger
}

type Option func(*Client)

func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t }
}

func New(baseURL, companyKey string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("X-Company-Key", companyKey).
			SetHeader("Content-Type", "application/json"),
		timeouts: DefaultTimeouts,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (*Login, error) {
	const op = "login"
	_, env, err := c.do(ctx, op, c.timeouts.Control, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).Post("/login")
	})
	if err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, &Error{Kind: KindAuth, Op: op, Message: env.text("invalid credentials")}
	}
	var login Login
	if err := json.Unmarshal(env.Data, &login); err != nil || login.ActiveToken == "" {
		return nil, &Error{Kind: KindNetwork, Op: op, Message: "malformed response", Err: err}
	}
	return &login, nil
}

// LoginCheck reports whether token is still the employee's active token.
func (c *Client) LoginCheck(ctx context.Context, employeeID int64, token string) (bool, error) {
	_, env, err := c.do(ctx, "login-check", c.timeouts.Status, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{"id": employeeID, "token": token}).Post("/login-check")
	})
	if err != nil {
		if IsAuth(err) {
			return false, nil
		}
		return false, err
	}
	return env.Status, nil
}

// CreateSession opens a work session on the server and returns its id.
func (c *Client) CreateSession(ctx context.Context, employeeID int64, token string) (int64, error) {
	const op = "work-session/create"
	_, env, err := c.do(ctx, op, c.timeouts.Control, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{
			"employee_id":  employeeID,
			"active_token": token,
		}).Post("/work-session/create")
	})
	if err != nil {
		return 0, err
	}
	if !env.Status {
		return 0, &Error{Kind: KindValidation, Op: op, Message: env.text("session rejected")}
	}
	var data struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ID == 0 {
		return 0, &Error{Kind: KindNetwork, Op: op, Message: "malformed response", Err: err}
	}
	return data.ID, nil
}

func (c *Client) StopSession(ctx context.Context, sessionID, employeeID int64, token string) error {
	const op = "work-session/stop"
	_, env, err := c.do(ctx, op, c.timeouts.Control, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{
			"session_id":   sessionID,
			"employee_id":  employeeID,
			"active_token": token,
		}).Post("/work-session/stop")
	})
	if err != nil {
		return err
	}
	if !env.Status {
		return &Error{Kind: KindValidation, Op: op, Message: env.text("stop rejected")}
	}
	return nil
}

// CheckSessionActive polls the server's view of a session. A closed session
// is not an error: it comes back as Active false with the server's reason.
func (c *Client) CheckSessionActive(ctx context.Context, sessionID, employeeID int64, token string) (SessionStatus, error) {
	_, env, err := c.do(ctx, "check-session-active", c.timeouts.Status, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{
			"session_id":   sessionID,
			"employee_id":  employeeID,
			"active_token": token,
		}).Post("/check-session-active")
	})
	if err != nil {
		return SessionStatus{}, err
	}
	return SessionStatus{Active: env.Status, Message: env.Message, Reason: env.Reason}, nil
}

func (c *Client) UploadActivity(ctx context.Context, batch ActivityBatch) error {
	const op = "upload/employee-activity"
	_, env, err := c.do(ctx, op, c.timeouts.Upload, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(batch).Post("/upload/employee-activity")
	})
	if err != nil {
		return err
	}
	if !env.Status {
		return &Error{Kind: KindValidation, Op: op, Message: env.text("batch rejected")}
	}
	return nil
}

func (c *Client) UploadScreenshot(ctx context.Context, upload ScreenshotUpload) error {
	const op = "screenshot/upload"
	_, env, err := c.do(ctx, op, c.timeouts.Upload, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(upload).Post("/screenshot/upload")
	})
	if err != nil {
		return err
	}
	if !env.Status {
		return &Error{Kind: KindValidation, Op: op, Message: env.text("screenshot rejected")}
	}
	return nil
}

// FetchPolicy downloads the employee's tracking configuration.
func (c *Client) FetchPolicy(ctx context.Context, token string) (*PolicyDocument, error) {
	const op = "employee-config"
	resp, env, err := c.do(ctx, op, c.timeouts.Policy, func(r *resty.Request) (*resty.Response, error) {
		return r.SetAuthScheme("Token").SetAuthToken(token).Get("/employee-config/")
	})
	if err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, &Error{Kind: KindAuth, Op: op, Message: env.text("config refused")}
	}
	var doc PolicyDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil || len(doc.Config) == 0 {
		return nil, &Error{Kind: KindNetwork, Op: op, Message: "malformed response", Err: err}
	}
	return &doc, nil
}

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, *envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := send(c.http.R().SetContext(ctx))
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if resp.IsError() {
		msg := env.text(http.StatusText(resp.StatusCode()))
		c.log.Debug("remote call failed",
			zap.String("op", op), zap.Int("status", resp.StatusCode()), zap.String("message", msg))
		return resp, nil, &Error{Kind: kindForStatus(resp.StatusCode()), Op: op, Status: resp.StatusCode(), Message: msg}
	}
	if decodeErr != nil {
		return resp, nil, &Error{Kind: KindNetwork, Op: op, Status: resp.StatusCode(), Message: "malformed response", Err: decodeErr}
	}
	return resp, &env, nil
}

func (e *envelope) text(fallback string) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	case e.Reason != "":
		return e.Reason
	default:
		return fallback
	}
}
