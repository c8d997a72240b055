package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestHelpers_GetIdempotencyKey_IsReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected empty key when not set")
	}
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false by default")
	}

	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must read as absent")
	}
	c.Set(ctxKeyIdemReplay, true)
	if !IsReplay(c) {
		t.Fatalf("expected IsReplay=true")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("expected IsReplay=false for non-bool")
	}
}

type lookupCall struct {
	user, chat, key string
}

func newIdemRouter(t *testing.T, opts IdempotencyOptions, exists bool, calls *[]lookupCall) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Identity())
	r.Use(IdempotencyValidator(opts, func(_ context.Context, user, chat, key string, _ time.Time) (bool, error) {
		*calls = append(*calls, lookupCall{user, chat, key})
		return exists, nil
	}))
	handler := func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": IsReplay(c), "bypass": IsRateBypass(c)})
	}
	r.POST("/chats/:id/messages", handler)
	r.POST("/chats/:id/files", handler)
	r.GET("/chats/:id/messages", handler)
	r.POST("/chats", handler)
	return r
}

type idemBody struct {
	Key    string `json:"key"`
	Replay bool   `json:"replay"`
	Bypass bool   `json:"bypass"`
	Code   string `json:"code"`
}

func doIdem(t *testing.T, r *gin.Engine, method, path, key string) (int, idemBody) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(HeaderUserID, "u1")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var b idemBody
	_ = json.Unmarshal(w.Body.Bytes(), &b)
	return w.Code, b
}

func TestIdempotencyValidator_NoHeader(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{}, true, &calls)

	code, b := doIdem(t, r, http.MethodPost, "/chats/c1/messages", "")
	if code != http.StatusOK || b.Key != "" || b.Replay {
		t.Fatalf("code=%d body=%+v", code, b)
	}
	if len(calls) != 0 {
		t.Fatalf("lookup called without a key")
	}
}

func TestIdempotencyValidator_SafeMethodsIgnored(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{}, true, &calls)

	code, b := doIdem(t, r, http.MethodGet, "/chats/c1/messages", "not valid!!")
	if code != http.StatusOK || b.Key != "" {
		t.Fatalf("GET should pass untouched: %d %+v", code, b)
	}
	if len(calls) != 0 {
		t.Fatalf("lookup called for GET")
	}
}

func TestIdempotencyValidator_InvalidKey(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{MaxLen: 8}, false, &calls)

	for _, key := range []string{"has space", "waytoolongkey", "bad/slash"} {
		code, b := doIdem(t, r, http.MethodPost, "/chats/c1/messages", key)
		if code != http.StatusBadRequest || b.Code != "bad_idempotency_key" {
			t.Fatalf("key %q: code=%d body=%+v", key, code, b)
		}
	}
}

func TestIdempotencyValidator_CustomPattern(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, false, &calls)

	if code, _ := doIdem(t, r, http.MethodPost, "/chats/c1/files", "abc"); code != http.StatusBadRequest {
		t.Fatalf("pattern not applied: %d", code)
	}
	if code, b := doIdem(t, r, http.MethodPost, "/chats/c1/files", "123"); code != http.StatusOK || b.Key != "123" {
		t.Fatalf("valid key rejected: %d %+v", code, b)
	}
}

func TestIdempotencyValidator_ReplayMarksContext(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{}, true, &calls)

	code, b := doIdem(t, r, http.MethodPost, "/chats/c1/messages", "key-1")
	if code != http.StatusOK || !b.Replay || !b.Bypass || b.Key != "key-1" {
		t.Fatalf("code=%d body=%+v", code, b)
	}
	if len(calls) != 1 || calls[0] != (lookupCall{"u1", "c1", "key-1"}) {
		t.Fatalf("lookup calls = %+v", calls)
	}
}

func TestIdempotencyValidator_FreshKey(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{}, false, &calls)

	_, b := doIdem(t, r, http.MethodPost, "/chats/c1/files", "upload:2024-05-01")
	if b.Replay || b.Bypass || b.Key != "upload:2024-05-01" {
		t.Fatalf("body=%+v", b)
	}
}

func TestIdempotencyValidator_NoChatParamSkipsLookup(t *testing.T) {
	var calls []lookupCall
	r := newIdemRouter(t, IdempotencyOptions{}, true, &calls)

	_, b := doIdem(t, r, http.MethodPost, "/chats", "k")
	if b.Key != "k" || b.Replay {
		t.Fatalf("body=%+v", b)
	}
	if len(calls) != 0 {
		t.Fatalf("lookup called without a chat id")
	}
}

func TestIdempotencyValidator_ErrorCarriesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), IdempotencyValidator(IdempotencyOptions{}, nil))
	r.POST("/x/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/x/1", nil)
	req.Header.Set(HeaderIdempotencyKey, "bad key")
	req.Header.Set(requestIDHeader, "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), `"request_id":"rid-1"`) {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}
