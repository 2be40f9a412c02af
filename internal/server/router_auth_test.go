package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenValidator struct {
	claims      auth.ClientClaims
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (auth.ClientClaims, error) {
	if s.validateErr != nil {
		return auth.ClientClaims{}, s.validateErr
	}
	return s.claims, nil
}

func runAuthorize(t *testing.T, validator TokenValidator, request *http.Request) (*httptest.ResponseRecorder, *gin.Context, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{tokens: validator, logger: zap.New(core)}
	handler.authorizeRequest(ctx)
	return recorder, ctx, logs
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/edits/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")

	recorder, _, logs := runAuthorize(t, stubTokenValidator{validateErr: auth.ErrExpiredToken}, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/edits/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")

	recorder, _, logs := runAuthorize(t, stubTokenValidator{validateErr: errors.New("signature mismatch")}, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d", recorder.Code)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestRejectsMissingHeader(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/edits/elements", http.NoBody)
	request.URL.RawQuery = "access_token=abc"

	recorder, _, logs := runAuthorize(t, stubTokenValidator{}, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for query token on POST, got %d", recorder.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestAuthorizeRequestAcceptsQueryTokenOnGet(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/events?access_token=abc", http.NoBody)

	_, ctx, _ := runAuthorize(t, stubTokenValidator{claims: auth.ClientClaims{Client: "browser"}}, request)

	if ctx.IsAborted() {
		t.Fatalf("expected request to pass authorization")
	}
	if ctx.GetString(clientContextKey) != "browser" {
		t.Fatalf("expected client to be stored in context, got %q", ctx.GetString(clientContextKey))
	}
}
