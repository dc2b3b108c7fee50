package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

type fakeHub struct {
	running bool
	clients int
}

func (f fakeHub) Running() bool    { return f.running }
func (f fakeHub) ClientCount() int { return f.clients }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	return resp
}

func TestHealthzAlwaysAlive(t *testing.T) {
	resp := serve(NewHandler(nil, fakeHub{}), "/healthz")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"alive"}`, resp.Body.String())
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		hub    fakeHub
		status int
		body   string
	}{
		{"ready", fakeDB{}, fakeHub{running: true, clients: 3}, http.StatusOK, `{"status":"ready","clients":3}`},
		{"no database", nil, fakeHub{running: true}, http.StatusServiceUnavailable, `{"status":"not_ready","reason":"database_not_initialized"}`},
		{"ping fails", fakeDB{err: errors.New("locked")}, fakeHub{running: true}, http.StatusServiceUnavailable, `{"status":"not_ready","reason":"database_ping_failed"}`},
		{"hub stopped", fakeDB{}, fakeHub{}, http.StatusServiceUnavailable, `{"status":"not_ready","reason":"hub_stopped"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(NewHandler(tt.db, tt.hub), "/readyz")
			assert.Equal(t, tt.status, resp.Code)
			assert.JSONEq(t, tt.body, resp.Body.String())
		})
	}
}
