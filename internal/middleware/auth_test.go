package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flagsync/internal/model"
	"flagsync/internal/service"
	"flagsync/pkg/constraints"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]*model.EnvironmentKey

func (m mapResolver) ResolveKey(_ context.Context, apiKey string) (*model.EnvironmentKey, error) {
	if apiKey == "explode" {
		return nil, errors.New("db down")
	}
	return m[apiKey], nil
}

func TestEnvironmentKeyMiddleware(t *testing.T) {
	resolver := mapResolver{
		"client-1": {EnvironmentID: 7, ProjectID: 3, PersistTraitData: true, Kind: constraints.KeyKindClient},
	}
	r := gin.New()
	r.Use(EnvironmentKeyMiddleware(resolver))
	var scope service.Scope
	r.GET("/traits", func(c *gin.Context) {
		var ok bool
		scope, ok = GetScope(c)
		require.True(t, ok)
		c.Status(http.StatusOK)
	})

	call := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/traits", nil)
		if key != "" {
			req.Header.Set(constraints.HeaderEnvironmentKey, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("unknown"))
	assert.Equal(t, http.StatusInternalServerError, call("explode"))
	assert.Equal(t, http.StatusOK, call("client-1"))

	assert.EqualValues(t, 7, scope.EnvironmentID)
	assert.EqualValues(t, 3, scope.ProjectID)
	assert.Equal(t, constraints.KeyKindClient, scope.KeyKind)
	assert.Equal(t, "client-1", scope.Headers[constraints.HeaderEnvironmentKey])
}

func TestJWTMiddleware(t *testing.T) {
	auth := service.NewAuthService(nil, service.AuthCredentials{SigningKey: []byte("k")}, time.Minute, time.Hour)
	newRouter := func(dev bool) (*gin.Engine, *string) {
		r := gin.New()
		var operator string
		r.Use(JWTMiddleware(auth, dev))
		r.GET("/admin", func(c *gin.Context) {
			operator = service.GetOperator(c.Request.Context())
			c.Status(http.StatusOK)
		})
		return r, &operator
	}

	r, _ := newRouter(false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the dev pass only works in dev mode
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Dev-Pass", "true")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	dev, operator := newRouter(true)
	w = httptest.NewRecorder()
	dev.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-admin", *operator)
}
