package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid token places claims in context", func(t *testing.T) {
		v := new(MockTokenValidator)
		m := NewAuthMiddleware(v, logger)
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}, Roles: []string{RoleAdmin}}
		v.On("ValidateToken", mock.Anything, "good").Return(claims, nil)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := GetClaimsFromContext(r.Context())
			require.NotNil(t, got)
			assert.Equal(t, "ops", got.Subject)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		v.AssertExpectations(t)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		v := new(MockTokenValidator)
		m := NewAuthMiddleware(v, logger)

		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		v.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("non-bearer scheme is rejected", func(t *testing.T) {
		v := new(MockTokenValidator)
		m := NewAuthMiddleware(v, logger)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic abc")
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		v := new(MockTokenValidator)
		m := NewAuthMiddleware(v, logger)
		v.On("ValidateToken", mock.Anything, "bad").Return(nil, errors.New("nope"))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		w := httptest.NewRecorder()
		m.RequireAuth(okHandler(t)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware(new(MockTokenValidator), zap.NewNop())

	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"missing role", &Claims{Roles: []string{"viewer"}}, http.StatusForbidden},
		{"has role", &Claims{Roles: []string{"viewer", RoleAdmin}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			w := httptest.NewRecorder()
			m.RequireRole(RoleAdmin)(okHandler(t)).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHMACValidator(t *testing.T) {
	ctx := context.Background()
	v := NewHMACValidator("s3cret", "dispatchd")

	t.Run("round trip", func(t *testing.T) {
		token, err := v.IssueToken("ops", []string{RoleAdmin}, time.Minute)
		require.NoError(t, err)

		claims, err := v.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "ops", claims.Subject)
		assert.True(t, claims.HasRole(RoleAdmin))
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.IssueToken("ops", nil, -time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewHMACValidator("other", "dispatchd").IssueToken("ops", nil, time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := NewHMACValidator("s3cret", "elsewhere").IssueToken("ops", nil, time.Minute)
		require.NoError(t, err)

		_, err = v.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("no secret rejects everything", func(t *testing.T) {
		disabled := NewHMACValidator("", "")
		_, err := disabled.ValidateToken(ctx, "anything")
		assert.ErrorIs(t, err, ErrAuthDisabled)

		_, err = disabled.IssueToken("ops", nil, time.Minute)
		assert.ErrorIs(t, err, ErrAuthDisabled)
	})
}

func TestRequireAdmin_EndToEnd(t *testing.T) {
	v := NewHMACValidator("s3cret", "dispatchd")
	m := NewAuthMiddleware(v, zap.NewNop())

	admin, err := v.IssueToken("ops", []string{RoleAdmin}, time.Minute)
	require.NoError(t, err)
	viewer, err := v.IssueToken("dev", []string{"viewer"}, time.Minute)
	require.NoError(t, err)

	for token, want := range map[string]int{admin: http.StatusOK, viewer: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPut, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		m.RequireAdmin(okHandler(t)).ServeHTTP(w, req)
		assert.Equal(t, want, w.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}
