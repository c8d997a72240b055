package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func lastLogLine(t *testing.T, s string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, s)
	}
	return m
}

func TestRedactingLogger_ScrubsQueryAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), Identity())
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/chats/:id/files", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	id := "0b7f8a52-3a9e-4d0a-9a51-6f1b2c3d4e5f"
	req := httptest.NewRequest(http.MethodGet,
		"/chats/"+id+"/files?email=jane@example.com&X-Amz-Signature=deadbeef&page=2", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Api-Key", "k-123")
	req.Header.Set("X-Note", "call +1 212-555-1212")
	req.Header.Set(HeaderUserID, "u1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, leak := range []string{"jane@example.com", "deadbeef", "Bearer secret", "k-123", "212-555-1212"} {
		if strings.Contains(out, leak) {
			t.Fatalf("log leaked %q: %s", leak, out)
		}
	}

	m := lastLogLine(t, out)
	if m["level"] != "info" || m["path"] != "/chats/:id/files" || m["user_id"] != "u1" {
		t.Fatalf("log fields = %v", m)
	}
	q, _ := m["query"].(string)
	if !strings.Contains(q, "page=2") || !strings.Contains(q, "X-Amz-Signature=[REDACTED]") || !strings.Contains(q, "[REDACTED:email]") {
		t.Fatalf("query = %q", q)
	}
	hdrs, _ := m["headers"].(map[string]any)
	if hdrs["Authorization"] != "[REDACTED]" || hdrs["X-Api-Key"] != "[REDACTED]" {
		t.Fatalf("headers = %v", hdrs)
	}
	if !strings.Contains(hdrs["X-Note"].(string), "[REDACTED:phone]") {
		t.Fatalf("phone not redacted: %v", hdrs["X-Note"])
	}
}

func TestRedactingLogger_LevelsAndSkip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{SkipPaths: []string{"/health"}}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/err", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("health check logged: %s", buf.String())
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))
	if m := lastLogLine(t, buf.String()); m["level"] != "warn" {
		t.Fatalf("4xx level = %v", m["level"])
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/err", nil))
	if m := lastLogLine(t, buf.String()); m["level"] != "error" {
		t.Fatalf("5xx level = %v", m["level"])
	}
}

func TestRedactingLogger_AttachesRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}))
	r.GET("/x", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside handler")
		c.Status(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "rid-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	first := strings.Split(buf.String(), "\n")[0]
	if !strings.Contains(first, "inside handler") || !strings.Contains(first, `"request_id":"rid-42"`) {
		t.Fatalf("handler log missing request fields: %s", first)
	}
}

func TestRedactText_KeepsUUIDs(t *testing.T) {
	id := "0b7f8a52-3a9e-4d0a-9a51-6f1b2c3d4e5f"
	got := redactText("chat " + id + " by a@b.io")
	if !strings.Contains(got, id) || strings.Contains(got, "a@b.io") {
		t.Fatalf("redactText = %q", got)
	}
}
