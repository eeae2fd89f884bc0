package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"angel-fanout/internal/models"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditLogin          AuditEventType = "LOGIN"
	AuditAuthFailed     AuditEventType = "AUTH_FAILED"
	AuditSessionRefresh AuditEventType = "SESSION_REFRESH"
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderFailed    AuditEventType = "ORDER_FAILED"
	AuditOrderSkipped   AuditEventType = "ORDER_SKIPPED"
	AuditInputRejected  AuditEventType = "INPUT_REJECTED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	AccountID  string                 `json:"account_id,omitempty"`
	DispatchID string                 `json:"dispatch_id,omitempty"`
	Symbol     string                 `json:"symbol,omitempty"`
	OrderID    string                 `json:"order_id,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Success    bool                   `json:"success"`
	ErrorMsg   string                 `json:"error,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
}

// AuditLogger appends JSON lines describing logins and order placements.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "angel-fanout", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return newAuditLogger(&lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

func newAuditLogger(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: generateSessionID(),
		now:       time.Now,
	}
}

// Log logs an audit event. A nil logger discards the event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	event.ErrorMsg = MaskSensitive(event.ErrorMsg)
	if event.Details != nil {
		event.Details = MaskFields(event.Details)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogLogin logs a login or failed login.
func (al *AuditLogger) LogLogin(ctx context.Context, accountID string, success bool, errorMsg string) error {
	eventType := AuditLogin
	if !success {
		eventType = AuditAuthFailed
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		AccountID: accountID,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogRefresh logs an explicit session refresh.
func (al *AuditLogger) LogRefresh(ctx context.Context, accountID string, success bool) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditSessionRefresh,
		AccountID: accountID,
		Success:   success,
	})
}

// LogOutcome logs the final result of one account's placement.
func (al *AuditLogger) LogOutcome(ctx context.Context, dispatchID string, req models.OrderRequest, out models.OrderOutcome) error {
	eventType := AuditOrderPlaced
	switch out.Status {
	case models.OutcomeFailed:
		eventType = AuditOrderFailed
	case models.OutcomeSkipped:
		eventType = AuditOrderSkipped
	}

	return al.Log(ctx, AuditEvent{
		EventType:  eventType,
		AccountID:  out.AccountID,
		DispatchID: dispatchID,
		Symbol:     req.Symbol,
		OrderID:    out.BrokerOrderID,
		Action:     string(req.Side),
		Success:    out.Status == models.OutcomeSuccess,
		ErrorMsg:   out.Error,
		Details: map[string]interface{}{
			"quantity":      req.Quantity,
			"price":         req.Price,
			"trigger_price": req.TriggerPrice,
			"order_kind":    string(req.Kind),
			"product":       string(req.Product),
			"attempts":      out.Attempts,
		},
	})
}

// LogInputRejected logs an input validation failure.
func (al *AuditLogger) LogInputRejected(ctx context.Context, field, value, reason string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditInputRejected,
		Success:   false,
		ErrorMsg:  reason,
		Details: map[string]interface{}{
			"field": field,
			"value": MaskSensitive(value),
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
