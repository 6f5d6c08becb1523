package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"midterm/internal/auth"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}
	return string(hash)
}

func TestHandleLoginRejectsWhenAuthDisabled(t *testing.T) {
	g := auth.NewGate(false, "")
	handler := handleLogin(g)

	body, _ := json.Marshal(loginRequest{Password: "anything"})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLoginIssuesCookieOnCorrectPassword(t *testing.T) {
	g := auth.NewGate(true, mustHash(t, "correct-horse"))
	handler := handleLogin(g)

	body, _ := json.Marshal(loginRequest{Password: "correct-horse"})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Fatal("expected a session cookie to be set")
	}
}

func TestHandleLoginRejectsWrongPassword(t *testing.T) {
	g := auth.NewGate(true, mustHash(t, "correct-horse"))
	handler := handleLogin(g)

	body, _ := json.Marshal(loginRequest{Password: "wrong"})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGatedPassesThroughWithNilGate(t *testing.T) {
	called := false
	handler := gated(nil, func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ws/mux", nil))

	if !called {
		t.Fatal("expected next handler to be invoked when gate is nil")
	}
}
