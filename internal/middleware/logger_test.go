package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RedactsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	r := gin.New()
	r.Use(Logger())
	r.GET("/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/events?access_token=secret.jwt.value&since=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	out := buf.String()
	assert.NotContains(t, out, "secret.jwt.value")
	assert.Contains(t, out, "access_token=REDACTED")
	assert.Contains(t, out, "since=5")

	assert.Equal(t, "/health", loggedPath(&url.URL{Path: "/health"}))
}
