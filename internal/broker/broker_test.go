package broker

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServeHTTPRejectsUnauthorized(t *testing.T) {
	b := New(func(r *http.Request) bool { return false })
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/settings", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	b := New(nil)
	if err := b.Publish("settings", map[string]string{"theme": "dark"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}
