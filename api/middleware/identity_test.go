package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestCustomerContextParsesHeader(t *testing.T) {
	want := uuid.New()
	var got uuid.UUID
	handler := CustomerContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CustomerIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Customer-Id", want.String())
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != want {
		t.Fatalf("customer id = %s, want %s", got, want)
	}
}

func TestCustomerContextRejectsMalformedID(t *testing.T) {
	handler := CustomerContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Customer-Id", "not-a-uuid")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireCustomerBlocksAnonymous(t *testing.T) {
	handler := RequireCustomer(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireOperatorToken(t *testing.T) {
	ran := false
	handler := RequireOperator("hunter2", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Operator-Token", "wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden || ran {
		t.Fatalf("bad token: status = %d, ran = %v", w.Code, ran)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Operator-Token", "hunter2")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !ran {
		t.Fatal("matching token should pass through")
	}
}

func TestRequireOperatorUnconfigured(t *testing.T) {
	handler := RequireOperator("", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}
