package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.POST("/chats/:id/files", func(c *gin.Context) { c.String(http.StatusAccepted, "queued") })
	r.GET("/empty", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	baseUpload := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/chats/:id/files", "202"))
	baseMissing := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404"))
	baseEmpty := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/empty", "204"))

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodPost, "/chats/"+id+"/files", bytes.NewReader(make([]byte, 2048)))
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/empty", nil))

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/chats/:id/files", "202")) - baseUpload; got != 2 {
		t.Fatalf("upload count delta = %v", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedPath, "404")) - baseMissing; got != 1 {
		t.Fatalf("unmatched count delta = %v", got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/empty", "204")) - baseEmpty; got != 1 {
		t.Fatalf("empty count delta = %v", got)
	}
	if testutil.CollectAndCount(httpReqSize) == 0 {
		t.Fatalf("request size histogram not observed")
	}
	if testutil.CollectAndCount(httpLat) == 0 {
		t.Fatalf("latency histogram not observed")
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v after all requests finished", got)
	}
}
