package security

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/models"
)

func TestVault_EncryptDecrypt(t *testing.T) {
	v, err := NewVault("correct horse")
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	enc, err := v.Encrypt("s3cret-pin")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(enc) || strings.Contains(enc, "s3cret-pin") {
		t.Fatalf("unexpected encrypted value %q", enc)
	}

	plain, err := v.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "s3cret-pin" {
		t.Errorf("Decrypt = %q", plain)
	}
}

func TestVault_WrongPassword(t *testing.T) {
	v1, _ := NewVault("one")
	v2, _ := NewVault("two")

	enc, err := v1.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := v2.Decrypt(enc); err == nil {
		t.Fatal("expected decryption failure with the wrong password")
	}
}

func TestVault_PlainValuePassesThrough(t *testing.T) {
	v, _ := NewVault("pw")
	got, err := v.Decrypt("plain")
	if err != nil || got != "plain" {
		t.Errorf("Decrypt(plain) = %q, %v", got, err)
	}
}

func TestNewVault_MissingPassword(t *testing.T) {
	_, err := NewVault("")
	if !errors.Is(err, apperrors.ErrKeyMaterialMissing) {
		t.Fatalf("err = %v, want ErrKeyMaterialMissing", err)
	}
}

func TestResolveSecret_EncryptedWithoutVault(t *testing.T) {
	if _, err := ResolveSecret(nil, "enc:v1:a:b:c"); !errors.Is(err, apperrors.ErrKeyMaterialMissing) {
		t.Fatalf("err = %v, want ErrKeyMaterialMissing", err)
	}
	got, err := ResolveSecret(nil, "1234")
	if err != nil || got != "1234" {
		t.Errorf("ResolveSecret(plain) = %q, %v", got, err)
	}
}

func TestMaskCredential(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"abc":          "***",
		"abcdef":       "ab****",
		"abcdefghijkl": "abcd****ijkl",
	}
	for in, want := range tests {
		if got := MaskCredential(in); got != want {
			t.Errorf("MaskCredential(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskSensitive(t *testing.T) {
	in := `login failed password=hunter2hunter2 Authorization: Bearer abcdefghijklmnop`
	out := MaskSensitive(in)
	if strings.Contains(out, "hunter2hunter2") {
		t.Errorf("password leaked: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Errorf("bearer token leaked: %s", out)
	}
	if !strings.Contains(out, "password=") {
		t.Errorf("field name should survive masking: %s", out)
	}
}

func TestMaskFields(t *testing.T) {
	out := MaskFields(map[string]interface{}{
		"password": "hunter2hunter2",
		"token":    42,
		"symbol":   "NIFTY",
	})
	if out["password"] == "hunter2hunter2" || out["token"] != "***" || out["symbol"] != "NIFTY" {
		t.Errorf("unexpected masking: %v", out)
	}
}

func TestValidateSymbolAndToken(t *testing.T) {
	if err := ValidateSymbol("NIFTY24DEC18000CE"); err != nil {
		t.Errorf("valid symbol rejected: %v", err)
	}
	if err := ValidateSymbol("nifty; drop"); err == nil {
		t.Error("invalid symbol accepted")
	}
	if err := ValidateToken("35001"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := ValidateToken("35a01"); apperrors.Classify(err) != apperrors.KindValidation {
		t.Errorf("invalid token classified as %v", apperrors.Classify(err))
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestAuditLogger_LogOutcome(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditLogger(nopCloser{&buf})
	al.now = func() time.Time { return time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC) }

	req := models.OrderRequest{Symbol: "NIFTY", Side: models.OrderSideBuy, Quantity: 50, Kind: models.OrderKindMarket}
	ctx := context.Background()
	if err := al.LogOutcome(ctx, "d-1", req, models.OrderOutcome{AccountID: "A", Status: models.OutcomeSuccess, BrokerOrderID: "O1", Attempts: 1}); err != nil {
		t.Fatalf("LogOutcome: %v", err)
	}
	if err := al.LogOutcome(ctx, "d-1", req, models.OrderOutcome{AccountID: "B", Status: models.OutcomeFailed, Error: "rejected password=abcdefgh1234", Attempts: 3}); err != nil {
		t.Fatalf("LogOutcome: %v", err)
	}

	var events []AuditEvent
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].EventType != AuditOrderPlaced || !events[0].Success || events[0].OrderID != "O1" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].EventType != AuditOrderFailed || events[1].Success {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if strings.Contains(events[1].ErrorMsg, "abcdefgh1234") {
		t.Errorf("secret leaked into audit log: %s", events[1].ErrorMsg)
	}
	if events[0].SessionID == "" || events[0].SessionID != events[1].SessionID {
		t.Error("session id should be stable across events")
	}
}

func TestAuditLogger_NilIsNoop(t *testing.T) {
	var al *AuditLogger
	if err := al.LogLogin(context.Background(), "A", true, ""); err != nil {
		t.Errorf("nil logger returned %v", err)
	}
}
