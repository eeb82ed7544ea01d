package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":             "",
		"/":            "",
		"admin":        "/admin",
		"/admin/":      "/admin",
		" /dev/stack ": "/dev/stack",
		"//x//y//":     "/x/y",
	} {
		assert.Equal(t, want, sanitizeBase(in), "input %q", in)
	}
}

func TestIntQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for query, want := range map[string]int{
		"":          7,
		"?tail=3":   3,
		"?tail=0":   0,
		"?tail=-1":  7,
		"?tail=abc": 7,
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x"+query, nil)
		assert.Equal(t, want, intQuery(c, "tail", 7), "query %q", query)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusCreated, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"a":1}`, rec.Body.String())
}
