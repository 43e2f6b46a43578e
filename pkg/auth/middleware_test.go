package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newValidator() *auth.JWTValidator {
	return auth.NewJWTValidator(testSecret, "discloser-test")
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, auth.Principal) {
	t.Helper()
	var captured auth.Principal
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		require.NoError(t, err)
		captured = p
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, captured
}

func TestMiddleware_ValidJWT(t *testing.T) {
	v := newValidator()
	token, err := v.Issue("user-123", "org-abc", []string{auth.RoleOperator}, time.Hour)
	require.NoError(t, err)

	w, p := serve(t, auth.NewMiddleware(v), token)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p)
	assert.Equal(t, "user-123", p.GetID())
	assert.Equal(t, "org-abc", p.GetOrganizationID())
	assert.True(t, p.HasRole(auth.RoleOperator))
	assert.False(t, p.HasRole(auth.RoleReporter))
}

func TestMiddleware_Rejections(t *testing.T) {
	v := newValidator()
	expired, err := v.Issue("user-123", "org-abc", nil, -time.Hour)
	require.NoError(t, err)
	noOrg, err := v.Issue("user-123", "", nil, time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Issue("", "org-abc", nil, time.Hour)
	require.NoError(t, err)
	otherKey, err := auth.NewJWTValidator([]byte("another-secret-another-secret!!"), "discloser-test").
		Issue("user-123", "org-abc", nil, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := auth.NewJWTValidator(testSecret, "someone-else").Issue("user-123", "org-abc", nil, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		OrganizationID:   "org-abc",
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"missing header":  "",
		"expired":         expired,
		"no organization": noOrg,
		"no subject":      noSubject,
		"wrong key":       otherKey,
		"wrong issuer":    wrongIssuer,
		"alg none":        unsigned,
		"garbage":         "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			handler := auth.NewMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler must not be called")
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestMiddleware_BasicSchemeRejected(t *testing.T) {
	handler := auth.NewMiddleware(newValidator())(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_PublicPathsBypass(t *testing.T) {
	called := false
	handler := auth.NewMiddleware(newValidator())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
}

func TestMiddleware_NilValidator_FailClosed(t *testing.T) {
	assert.Nil(t, auth.NewJWTValidator(nil, "x"))

	handler := auth.NewMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called when validator is nil")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	handler := auth.RequireRole(auth.RoleReporter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(p auth.Principal) int {
		req := httptest.NewRequest(http.MethodPost, "/api/submissions/x/dispatch", nil)
		if p != nil {
			req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(nil))
	assert.Equal(t, http.StatusForbidden, do(&auth.BasePrincipal{ID: "a", OrganizationID: "o", Roles: []string{auth.RoleOperator}}))
	assert.Equal(t, http.StatusAccepted, do(&auth.BasePrincipal{ID: "a", OrganizationID: "o", Roles: []string{auth.RoleReporter}}))
	assert.Equal(t, http.StatusAccepted, do(&auth.BasePrincipal{ID: "a", OrganizationID: "o", Roles: []string{auth.RoleAdmin}}))
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, auth.SystemActor, auth.ActorFromContext(context.Background()))

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "alice", OrganizationID: "org-1"})
	assert.Equal(t, "alice", auth.ActorFromContext(ctx))
	org, err := auth.GetOrganizationID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)

	_, err = auth.GetOrganizationID(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)

	sys := auth.SystemContext(context.Background(), "org-2")
	assert.Equal(t, auth.SystemActor, auth.ActorFromContext(sys))
}

func TestRequestID(t *testing.T) {
	var got string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cases", nil))
	require.NotEmpty(t, got)
	assert.Equal(t, got, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "client-supplied", got)
}

func TestCORS(t *testing.T) {
	handler := auth.CORSMiddleware(auth.ParseOrigins(" https://console.example , ,https://ops.example"))(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/cases", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/cases", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
