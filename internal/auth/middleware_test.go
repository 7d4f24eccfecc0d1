package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDisabledWithoutTokens(t *testing.T) {
	var called bool
	h := NewStaticService(nil).Middleware(PermRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, SubjectFromContext(r.Context()))
		assert.Empty(t, CallerName(r.Context()))
	}))
	rec := serve(t, h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)

	var nilService *Service
	assert.False(t, nilService.Enabled())
}

func TestMiddlewareAuthenticates(t *testing.T) {
	svc := NewStaticService([]string{"secret", "  "})
	h := svc.Middleware(PermRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		require.NotNil(t, subject)
		assert.Equal(t, "token-1", subject.Name)
		assert.Equal(t, "token-1", CallerName(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	}))

	assert.Equal(t, http.StatusUnauthorized, serve(t, h, "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, h, "wrong").Code)
	rec := serve(t, h, "secret")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareAuthorizes(t *testing.T) {
	svc := NewStaticService(nil)
	svc.AddToken("viewer", "view-only", PermRead)
	svc.AddToken("operator", "ops")

	admin := svc.Middleware(PermAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.Equal(t, http.StatusForbidden, serve(t, admin, "view-only").Code)
	assert.Equal(t, http.StatusNoContent, serve(t, admin, "ops").Code)
}

func TestAuthenticateRequestParsesHeader(t *testing.T) {
	svc := NewStaticService([]string{"abc"})

	_, err := svc.AuthenticateRequest("Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer ")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer abd")
	assert.ErrorIs(t, err, ErrInvalidToken)

	subject, err := svc.AuthenticateRequest("Bearer abc")
	require.NoError(t, err)
	assert.True(t, subject.HasPermission(PermSubmit))
	assert.ErrorIs(t, (&Subject{Permissions: []string{PermRead}}).Authorize(PermAdmin), ErrPermissionDenied)
	assert.ErrorIs(t, (*Subject)(nil).Authorize(), ErrInvalidToken)
}

func TestSubjectPermissionMatching(t *testing.T) {
	root := &Subject{Name: "root", Permissions: []string{PermAll}}
	assert.NoError(t, root.Authorize(PermAdmin, PermSubmit))

	mixed := &Subject{Permissions: []string{" Dispatch:Read "}}
	assert.True(t, mixed.HasPermission(PermRead))
	assert.False(t, mixed.HasPermission(PermSubmit))
	assert.NoError(t, mixed.Authorize("", PermRead))
}
