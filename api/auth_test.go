package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireRole(t *testing.T) {
	// GIVEN: A route behind identify and requireRole(manager)
	// WHEN: Callers of each role hit it
	// THEN: Manager and above pass, lower roles get 403, no actor gets 401

	h := identify(requireRole(RoleManager)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		role string
		want int
	}{
		{"regular", http.StatusForbidden},
		{"cashier", http.StatusForbidden},
		{"manager", http.StatusNoContent},
		{"Superuser", http.StatusNoContent},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderActorID, "4")
			if tt.role != "" {
				req.Header.Set(HeaderActorRole, tt.role)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRequireRole_WithoutIdentify(t *testing.T) {
	h := requireRole(RoleRegular)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
