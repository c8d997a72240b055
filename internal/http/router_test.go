package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/blob"
	"github.com/tbourn/go-pdf-chat/internal/config"
	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/http/middleware"
	"github.com/tbourn/go-pdf-chat/internal/pdfdoc/pdftest"
	"github.com/tbourn/go-pdf-chat/internal/queue"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

// --- model fakes ---
type fakeModel struct{}

func (fakeModel) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fakeModel) Generate(context.Context, string, string) (string, error) {
	return "Revenue grew by ten percent.", nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newDeps(t *testing.T) (Deps, *queue.Memory) {
	t.Helper()
	disk, err := blob.NewDiskStore(t.TempDir(), "http://localhost:8080/blobs")
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	q := queue.NewMemory()
	return Deps{
		DB:        newTestDB(t),
		Blobs:     disk,
		Index:     vectorindex.NewMemory(3),
		Queue:     q,
		Embedder:  fakeModel{},
		Generator: fakeModel{},
	}, q
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      20,
		MaxUploadBytes: 1 << 20,
		HistoryTurns:   6,
		IdempotencyTTL: time.Hour,
		Security:       config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		Vector:         config.VectorConfig{TopK: 4, Candidates: 8, LexicalWeight: 0.3},
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, Deps, *queue.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	d, q := newDeps(t)
	RegisterRoutes(r, d, cfg)
	return r, d, q
}

func serve(r *gin.Engine, method, path, user string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())

	// /health works
	w := serve(r, http.MethodGet, "/health", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("api responses must not be cached, got %q", w.Header().Get("Cache-Control"))
	}

	// /metrics is wired
	w = serve(r, http.MethodGet, "/metrics", "", nil, nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = serve(r, http.MethodGet, "/nope", "", nil, nil)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "not_found") {
		t.Fatalf("GET /nope = %d %s", w.Code, w.Body.String())
	}

	// NoMethod → 405 (POST /health)
	w = serve(r, http.MethodPost, "/health", "", nil, nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _, _ := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	w = serve(r, http.MethodGet, "/health", "", nil, map[string]string{"Origin": "http://evil.test"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}
}

func TestHealth_DegradedWhenDBClosed(t *testing.T) {
	r, d, _ := newRouter(t, testConfig())
	sqlDB, err := d.DB.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	if w := serve(r, http.MethodGet, "/health", "", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health with closed db = %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10, map[string]int64{"/big": 100}))
	echo := func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	}
	r.POST("/echo", echo)
	r.POST("/big", echo)

	body := "0123456789AB" // 12 bytes
	if w := serve(r, http.MethodPost, "/echo", "", bytes.NewBufferString(body), nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
	if w := serve(r, http.MethodPost, "/big", "", bytes.NewBufferString(body), nil); w.Code != http.StatusOK {
		t.Fatalf("per-route cap not applied, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	// non-root prefix
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := serve(r, http.MethodGet, path, "", nil, nil)
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}

func Test_chatRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := chatRepoShim{}
	ctx := context.Background()

	c1, err := shim.CreateChat(ctx, db, "u1", "t1")
	if err != nil || c1.ID == "" || c1.Name != "t1" || c1.UserID != "u1" {
		t.Fatalf("CreateChat returned %+v %v", c1, err)
	}
	if err := shim.RenameChat(ctx, db, c1.ID, "u1", "t1-renamed"); err != nil {
		t.Fatalf("RenameChat: %v", err)
	}
	got, err := shim.GetChat(ctx, db, c1.ID, "u1")
	if err != nil || got.Name != "t1-renamed" {
		t.Fatalf("GetChat after rename: %+v %v", got, err)
	}
	if _, err := shim.GetChatDetail(ctx, db, c1.ID, "u1"); err != nil {
		t.Fatalf("GetChatDetail: %v", err)
	}
	for _, name := range []string{"t2", "t3"} {
		if _, err := shim.CreateChat(ctx, db, "u1", name); err != nil {
			t.Fatalf("CreateChat %s: %v", name, err)
		}
	}
	if n, err := shim.CountChats(ctx, db, "u1"); err != nil || n != 3 {
		t.Fatalf("CountChats = %d %v", n, err)
	}
	if page, err := shim.ListChatsPage(ctx, db, "u1", 0, 2); err != nil || len(page) != 2 {
		t.Fatalf("ListChatsPage = %d %v", len(page), err)
	}
	if err := shim.DeleteChatRows(ctx, db, c1.ID, "u1"); err != nil {
		t.Fatalf("DeleteChatRows: %v", err)
	}
	if n, _ := shim.CountChats(ctx, db, "u1"); n != 2 {
		t.Fatalf("CountChats after delete = %d", n)
	}
}

func TestRegisterRoutes_ChatFileMessageFlow(t *testing.T) {
	r, d, q := newRouter(t, testConfig())
	base := "/api/v1"

	w := serve(r, http.MethodPost, base+"/chats", "u1", strings.NewReader(`{"name":"Q3 report"}`),
		map[string]string{"Content-Type": "application/json"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat = %d %s", w.Code, w.Body.String())
	}
	var chat domain.Chat
	if err := json.Unmarshal(w.Body.Bytes(), &chat); err != nil || chat.Name != "Q3 report" {
		t.Fatalf("chat = %+v %v", chat, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("pdf", "report.pdf")
	_, _ = fw.Write(pdftest.Build("Quarterly revenue grew by ten percent."))
	_ = mw.Close()
	w = serve(r, http.MethodPost, base+"/chats/"+chat.ID+"/files", "u1", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", w.Code, w.Body.String())
	}
	var file domain.File
	if err := json.Unmarshal(w.Body.Bytes(), &file); err != nil || file.Status != domain.FileProcessing {
		t.Fatalf("file = %+v %v", file, err)
	}
	if ready, _, _ := q.Stats(); ready != 1 {
		t.Fatalf("queued jobs = %d", ready)
	}

	w = serve(r, http.MethodGet, base+"/chats/"+chat.ID+"/files", "u1", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), file.ID) {
		t.Fatalf("list files = %d %s", w.Code, w.Body.String())
	}
	if w := serve(r, http.MethodGet, base+"/chats/"+chat.ID+"/files", "u2", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other user list files = %d", w.Code)
	}

	w = serve(r, http.MethodPost, base+"/chats/"+chat.ID+"/messages", "u1", strings.NewReader(`{"content":"How did revenue change?"}`),
		map[string]string{"Content-Type": "application/json"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ten percent") {
		t.Fatalf("post message = %d %s", w.Code, w.Body.String())
	}

	w = serve(r, http.MethodGet, base+"/chats/"+chat.ID+"/messages", "u1", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("list messages = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}

	w = serve(r, http.MethodDelete, base+"/chats/"+chat.ID, "u1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete chat = %d %s", w.Code, w.Body.String())
	}
	if n, _ := repo.CountChats(context.Background(), d.DB, "u1"); n != 0 {
		t.Fatalf("chats after delete = %d", n)
	}
}

func TestRegisterRoutes_BodyLimitOnJSONRoutes(t *testing.T) {
	r, d, _ := newRouter(t, testConfig())

	big := `{"name":"` + strings.Repeat("a", 2<<20) + `"}`
	w := serve(r, http.MethodPost, "/api/v1/chats", "u1", strings.NewReader(big),
		map[string]string{"Content-Type": "application/json"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized JSON body = %d", w.Code)
	}
	if n, _ := repo.CountChats(context.Background(), d.DB, "u1"); n != 0 {
		t.Fatalf("oversized body created %d chats", n)
	}
}

func TestRegisterRoutes_IdempotencyKeyValidated(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())

	w := serve(r, http.MethodPost, "/api/v1/chats", "u1", nil,
		map[string]string{middleware.HeaderIdempotencyKey: "has spaces"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed idempotency key = %d", w.Code)
	}
}

func TestRegisterRoutes_ServesDiskBlobs(t *testing.T) {
	r, d, _ := newRouter(t, testConfig())
	disk := d.Blobs.(*blob.DiskStore)

	obj, err := disk.Put(context.Background(), "chats/u1/c1/1-a.pdf", "application/pdf", strings.NewReader("%PDF-1.4"), 8)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasSuffix(obj.URL, "/blobs/chats/u1/c1/1-a.pdf") {
		t.Fatalf("url = %q", obj.URL)
	}
	w := serve(r, http.MethodGet, "/blobs/chats/u1/c1/1-a.pdf", "", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "%PDF-1.4" {
		t.Fatalf("GET blob = %d %q", w.Code, w.Body.String())
	}
}
