package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/llm"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/search"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"
)

// ---- fakes ----

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

type fakeGenerator struct {
	reply  string
	err    error
	system string
	prompt string
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	g.calls++
	g.system, g.prompt = system, prompt
	return g.reply, g.err
}

// recordingIndex remembers every scope it was searched with.
type recordingIndex struct {
	vectorindex.Index
	scopes    []vectorindex.Scope
	searchErr error
}

func (r *recordingIndex) Search(ctx context.Context, scope vectorindex.Scope, vec []float32, k int) ([]vectorindex.Match, error) {
	r.scopes = append(r.scopes, scope)
	if r.searchErr != nil {
		return nil, r.searchErr
	}
	return r.Index.Search(ctx, scope, vec, k)
}

type msgFixture struct {
	svc   *MessageService
	chats *ChatService
	idx   *recordingIndex
	gen   *fakeGenerator
}

func newMsgFixture(t *testing.T) *msgFixture {
	t.Helper()
	db := newServiceDB(t)
	idx := &recordingIndex{Index: vectorindex.NewMemory(3)}
	gen := &fakeGenerator{reply: "Revenue grew 10% (q3.pdf, page 2)."}
	return &msgFixture{
		svc: &MessageService{
			DB:        db,
			Index:     idx,
			Embedder:  fakeEmbedder{vec: []float32{1, 0, 0}},
			Generator: gen,
			TopK:      3,
		},
		chats: NewChatService(db, sqlRepo{}, nil, idx),
		idx:   idx,
		gen:   gen,
	}
}

func textChunk(id, chatID, fileID, source string, page int, text string, vec []float32) vectorindex.Chunk {
	return vectorindex.Chunk{ID: id, ChatID: chatID, FileID: fileID, Source: source, Page: page, Text: text, Vector: vec}
}

// ---- Answer ----

func TestAnswer_RetrievesOnlyFromOwnChat(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	mine, _ := fx.chats.Create(ctx, "u1", "mine")
	other, _ := fx.chats.Create(ctx, "u1", "other")

	_ = fx.idx.Upsert(ctx, []vectorindex.Chunk{
		textChunk("m1", mine.ID, "fm", "q3.pdf", 2, "Revenue grew 10% in Q3.", []float32{1, 0, 0}),
		textChunk("o1", other.ID, "fo", "secret.pdf", 1, "Confidential merger plans.", []float32{1, 0, 0}),
	})

	ex, err := fx.svc.Answer(ctx, "u1", mine.ID, "How much did revenue grow?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if len(fx.idx.scopes) != 1 || fx.idx.scopes[0].ChatID() != mine.ID || fx.idx.scopes[0].FileID() != "" {
		t.Fatalf("search scopes = %v", fx.idx.scopes)
	}
	if strings.Contains(fx.gen.prompt, "Confidential") || strings.Contains(fx.gen.prompt, "secret.pdf") {
		t.Fatalf("prompt leaked another chat's content:\n%s", fx.gen.prompt)
	}
	if !strings.Contains(fx.gen.prompt, "Source: q3.pdf\nPage: 2\nContent: Revenue grew 10% in Q3.") {
		t.Fatalf("prompt missing context block:\n%s", fx.gen.prompt)
	}
	if fx.gen.system != systemInstruction {
		t.Fatalf("unexpected system instruction")
	}

	src := ex.Assistant.Sources
	if len(src) != 1 || src[0].FileID != "fm" || src[0].Filename != "q3.pdf" || src[0].Page != 2 {
		t.Fatalf("sources = %+v", src)
	}
	if ex.User.Role != domain.RoleUser || ex.Assistant.Role != domain.RoleAssistant {
		t.Fatalf("roles = %s/%s", ex.User.Role, ex.Assistant.Role)
	}
	if ex.Assistant.Content != fx.gen.reply {
		t.Fatalf("assistant content = %q", ex.Assistant.Content)
	}

	stored, err := repo.GetMessage(ctx, fx.svc.DB, ex.Assistant.ID)
	if err != nil || len(stored.Sources) != 1 || stored.Sources[0].Snippet == "" {
		t.Fatalf("stored sources = %+v, err = %v", stored, err)
	}
}

func TestAnswer_RerankerPromotesExactTerms(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "invoices")
	fx.svc.TopK = 1
	fx.svc.Candidates = 2
	fx.svc.Reranker = search.NewReranker(search.WithWeight(0.5))

	_ = fx.idx.Upsert(ctx, []vectorindex.Chunk{
		textChunk("near", c.ID, "f", "inv.pdf", 1, "General billing terms and conditions.", []float32{1, 0, 0}),
		textChunk("exact", c.ID, "f", "inv.pdf", 4, "Invoice INV-2043 total 1200 EUR.", []float32{0.9, 0.1, 0}),
	})

	ex, err := fx.svc.Answer(ctx, "u1", c.ID, "invoice INV-2043 total")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(ex.Assistant.Sources) != 1 || ex.Assistant.Sources[0].Page != 4 {
		t.Fatalf("sources = %+v", ex.Assistant.Sources)
	}
}

func TestAnswer_IncludesRecentHistory(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "history")
	fx.svc.HistoryTurns = 2

	for _, m := range []struct{ role, content string }{
		{domain.RoleUser, "oldest question"},
		{domain.RoleAssistant, "oldest answer"},
		{domain.RoleUser, "previous question"},
		{domain.RoleAssistant, "previous answer"},
	} {
		if _, err := repo.CreateMessage(ctx, fx.svc.DB, c.ID, m.role, m.content, nil); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if _, err := fx.svc.Answer(ctx, "u1", c.ID, "and next quarter?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	p := fx.gen.prompt
	if strings.Contains(p, "oldest") {
		t.Fatalf("history window too wide:\n%s", p)
	}
	if !strings.Contains(p, "USER: previous question\nASSISTANT: previous answer\n") {
		t.Fatalf("history missing:\n%s", p)
	}
	if strings.Contains(p, "USER: and next quarter?") {
		t.Fatalf("current question repeated in history:\n%s", p)
	}
	if !strings.HasSuffix(p, "**USER QUESTION:** and next quarter?\n") {
		t.Fatalf("question not last:\n%s", p)
	}
}

func TestAnswer_RetrievalFailureDegrades(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding", func(t *testing.T) {
		fx := newMsgFixture(t)
		c, _ := fx.chats.Create(ctx, "u1", "c")
		fx.svc.Embedder = fakeEmbedder{err: errors.New("quota exceeded")}

		ex, err := fx.svc.Answer(ctx, "u1", c.ID, "anything?")
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if len(ex.Assistant.Sources) != 0 || !strings.Contains(fx.gen.prompt, noContext) {
			t.Fatalf("want context-free answer, got sources %+v", ex.Assistant.Sources)
		}
	})

	t.Run("search", func(t *testing.T) {
		fx := newMsgFixture(t)
		c, _ := fx.chats.Create(ctx, "u1", "c")
		fx.idx.searchErr = errors.New("pgvector: timeout")

		ex, err := fx.svc.Answer(ctx, "u1", c.ID, "anything?")
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if len(ex.Assistant.Sources) != 0 {
			t.Fatalf("sources = %+v", ex.Assistant.Sources)
		}
	})
}

func TestAnswer_GenerationFailureKeepsQuestion(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "c")
	fx.gen.err = errors.New("upstream 503")

	if _, err := fx.svc.Answer(ctx, "u1", c.ID, "will this fail?"); !errors.Is(err, ErrGeneration) {
		t.Fatalf("want ErrGeneration, got %v", err)
	}
	msgs, err := repo.RecentMessages(ctx, fx.svc.DB, c.ID, 10)
	if err != nil || len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("messages = %+v, err = %v", msgs, err)
	}
}

func TestAnswer_BlankReplyUsesFallback(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "c")
	fx.gen.reply = "  \n "

	ex, err := fx.svc.Answer(ctx, "u1", c.ID, "hello?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ex.Assistant.Content != llm.FallbackAnswer {
		t.Fatalf("content = %q", ex.Assistant.Content)
	}
}

func TestAnswer_Validation(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "c")
	fx.svc.MaxPromptRunes = 5

	cases := []struct {
		name, user, chat, prompt string
		want                     error
	}{
		{"blank", "u1", c.ID, "  \t", ErrEmptyPrompt},
		{"too long", "u1", c.ID, "ελληνικά", ErrTooLong},
		{"missing chat", "u1", "nope", "hi", ErrChatNotFound},
		{"other user", "u2", c.ID, "hi", ErrChatNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.svc.Answer(ctx, tc.user, tc.chat, tc.prompt); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
	if fx.gen.calls != 0 {
		t.Fatalf("generator called %d times for rejected prompts", fx.gen.calls)
	}
}

func TestAnswer_AutoNamesDefaultChat(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	fresh, _ := fx.chats.Create(ctx, "u1", "")
	named, _ := fx.chats.Create(ctx, "u1", "Keep Me")

	if _, err := fx.svc.Answer(ctx, "u1", fresh.ID, "What is the quarterly revenue growth?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if _, err := fx.svc.Answer(ctx, "u1", named.ID, "What is the quarterly revenue growth?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	got, _ := repo.GetChat(ctx, fx.svc.DB, fresh.ID, "u1")
	if got.Name != "Quarterly Revenue Growth" {
		t.Fatalf("auto name = %q", got.Name)
	}
	kept, _ := repo.GetChat(ctx, fx.svc.DB, named.ID, "u1")
	if kept.Name != "Keep Me" {
		t.Fatalf("named chat renamed to %q", kept.Name)
	}
}

// ---- ListPage ----

func TestMessageService_ListPage(t *testing.T) {
	fx := newMsgFixture(t)
	ctx := context.Background()
	c, _ := fx.chats.Create(ctx, "u1", "c")

	items, total, err := fx.svc.ListPage(ctx, "u1", c.ID, 0, 0)
	if err != nil || total != 0 || items == nil {
		t.Fatalf("empty: %v %d %v", items, total, err)
	}

	for i := 0; i < 3; i++ {
		_, _ = repo.CreateMessage(ctx, fx.svc.DB, c.ID, domain.RoleUser, "m", nil)
	}
	items, total, err = fx.svc.ListPage(ctx, "u1", c.ID, 2, 2)
	if err != nil || total != 3 || len(items) != 1 {
		t.Fatalf("page 2: %d items, total %d, err %v", len(items), total, err)
	}

	if _, _, err := fx.svc.ListPage(ctx, "u2", c.ID, 1, 10); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("other user: %v", err)
	}
}

// ---- helpers ----

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt("  What changed?  ", []contextBlock{
		{Source: "a.pdf", Page: 3, Text: " first \n"},
		{Text: "second"},
	}, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
	})

	want := "**DOCUMENT CONTEXT:**\n" +
		"Source: a.pdf\nPage: 3\nContent: first\n" +
		"---\n" +
		"Source: Document\nPage: Unknown\nContent: second\n" +
		"\n**RECENT CONVERSATION:**\n" +
		"USER: hi\nASSISTANT: hello\n" +
		"\n**USER QUESTION:** What changed?\n"
	if p != want {
		t.Fatalf("prompt mismatch:\n got: %q\nwant: %q", p, want)
	}

	bare := buildPrompt("q", nil, nil)
	if !strings.Contains(bare, noContext) || strings.Contains(bare, "RECENT CONVERSATION") {
		t.Fatalf("bare prompt = %q", bare)
	}
}

func TestGenerateTitleFromPrompt(t *testing.T) {
	s := &MessageService{}
	cases := map[string]string{
		"What is the quarterly revenue growth?":           "Quarterly Revenue Growth",
		"tell me about q3 results and gdpr2016 clauses": "About Q3 Results Gdpr2016 Clauses",
		"?!":                                              "",
		"one two three four five six seven eight":         "One Two Three Four Five Six",
	}
	for in, want := range cases {
		if got := s.generateTitleFromPrompt(in); got != want {
			t.Errorf("title(%q) = %q, want %q", in, got, want)
		}
	}

	s.TitleMaxLen = 4
	if got := s.clipTitle("Quarterly"); got != "Quar" {
		t.Errorf("clipTitle = %q", got)
	}
	if !isDefaultName(" new chat ") || isDefaultName("Budget") {
		t.Errorf("isDefaultName")
	}
}
