// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the lifecycle of chat messages and assistant replies. It validates
// inputs, checks chat ownership, retrieves the chat's own chunks from the
// vector index, and asks the generator for a grounded answer.
//
// Optional enhancement: it also auto-generates a chat name from the first
// user prompt when the chat still has the default name.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat/user identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-pdf-chat/internal/domain"
	"github.com/tbourn/go-pdf-chat/internal/llm"
	"github.com/tbourn/go-pdf-chat/internal/repo"
	"github.com/tbourn/go-pdf-chat/internal/search"
	"github.com/tbourn/go-pdf-chat/internal/vectorindex"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Exchange is the result of one question: the stored user message and the
// stored assistant reply.
type Exchange struct {
	User      *domain.Message
	Assistant *domain.Message
}

// MessageService coordinates message persistence and retrieval-augmented answers.
type MessageService struct {
	DB        *gorm.DB
	Index     vectorindex.Index
	Embedder  llm.Embedder
	Generator llm.Generator

	// Reranker re-orders vector candidates by lexical overlap. Optional.
	Reranker *search.Reranker

	// Retrieval
	TopK         int // chunks placed in the prompt (default 5)
	Candidates   int // chunks fetched before re-ranking (default TopK)
	HistoryTurns int // previous messages placed in the prompt
	SnippetRunes int // length of stored source snippets (default 300)

	// Optional guards
	MaxPromptRunes int

	// Name generation config
	TitleLocale language.Tag
	TitleMaxLen int
}

// Answer stores the user's question, retrieves context from the chat's own
// documents, generates a reply and stores it with its sources.
//
// Retrieval problems degrade to an answer without document context. A
// generator failure returns ErrGeneration; the question stays stored.
func (s *MessageService) Answer(ctx context.Context, userID, chatID, prompt string) (*Exchange, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Answer",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	// Normalize & validate prompt
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(prompt) > s.MaxPromptRunes {
		return nil, ErrTooLong
	}

	// Ensure the chat exists and belongs to the user
	chat, err := repo.GetChat(ctx, s.DB, chatID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}

	userMsg, err := repo.CreateMessage(ctx, s.DB, chatID, domain.RoleUser, prompt, nil)
	if err != nil {
		return nil, err
	}
	s.maybeAutoName(ctx, chat, prompt)

	blocks, sources := s.retrieve(ctx, chatID, prompt)

	history, err := s.history(ctx, chatID, userMsg.ID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("answer: history unavailable")
	}

	reply, err := s.Generator.Generate(ctx, systemInstruction, buildPrompt(prompt, blocks, history))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		log.Error().Err(err).Str("chat_id", chatID).Msg("answer: generation failed")
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if strings.TrimSpace(reply) == "" {
		reply = llm.FallbackAnswer
	}

	asstMsg, err := repo.CreateMessage(ctx, s.DB, chatID, domain.RoleAssistant, reply, sources)
	if err != nil {
		return nil, err
	}
	_ = repo.TouchChat(ctx, s.DB, chatID)

	span.SetAttributes(attribute.Int("sources", len(sources)))
	return &Exchange{User: userMsg, Assistant: asstMsg}, nil
}

// ListPage returns paginated messages for a chat owned by userID.
func (s *MessageService) ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	// Ensure chat exists and is owned by the caller
	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrChatNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, chatID, offset, pageSize)
	return items, total, err
}

// --- Retrieval ---
//
// Strategy:
//  1. Embed the question.
//  2. Pull Candidates chunks from the chat's scope only.
//  3. Re-rank by blending vector similarity with lexical overlap.
//  4. Keep TopK for the prompt and record them as sources.
func (s *MessageService) retrieve(ctx context.Context, chatID, prompt string) ([]contextBlock, []domain.Source) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "retrieve", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	scope, err := vectorindex.ForChat(chatID)
	if err != nil || s.Index == nil || s.Embedder == nil {
		return nil, nil
	}

	vecs, err := s.Embedder.EmbedTexts(ctx, []string{prompt})
	if err != nil || len(vecs) != 1 {
		span.RecordError(err)
		log.Warn().Err(err).Str("chat_id", chatID).Msg("retrieve: embedding failed, answering without context")
		return nil, nil
	}

	topK := s.TopK
	if topK <= 0 {
		topK = 5
	}
	want := s.Candidates
	if want < topK {
		want = topK
	}
	matches, err := s.Index.Search(ctx, scope, vecs[0], want)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("chat_id", chatID).Msg("retrieve: search failed, answering without context")
		return nil, nil
	}

	byID := make(map[string]vectorindex.Chunk, len(matches))
	cands := make([]search.Candidate, 0, len(matches))
	for _, m := range matches {
		byID[m.ID] = m.Chunk
		cands = append(cands, search.Candidate{ID: m.ID, Text: m.Text, Similarity: m.Score})
	}

	var ranked []search.Result
	if s.Reranker != nil {
		ranked = s.Reranker.Rerank(prompt, cands, topK)
	} else {
		ranked = search.NewReranker(search.WithWeight(0)).Rerank(prompt, cands, topK)
	}

	snippetRunes := s.SnippetRunes
	if snippetRunes <= 0 {
		snippetRunes = 300
	}
	blocks := make([]contextBlock, 0, len(ranked))
	sources := make([]domain.Source, 0, len(ranked))
	for _, r := range ranked {
		ch := byID[r.ID]
		blocks = append(blocks, contextBlock{Source: ch.Source, Page: ch.Page, Text: ch.Text})
		sources = append(sources, domain.Source{
			FileID:   ch.FileID,
			Filename: ch.Source,
			Page:     ch.Page,
			Snippet:  search.Snippet(ch.Text, snippetRunes),
			Score:    r.Score,
		})
	}
	span.SetAttributes(attribute.Int("candidates", len(matches)), attribute.Int("kept", len(ranked)))
	return blocks, sources
}

// history returns up to HistoryTurns messages preceding the current question.
func (s *MessageService) history(ctx context.Context, chatID, currentID string) ([]domain.Message, error) {
	if s.HistoryTurns <= 0 {
		return nil, nil
	}
	msgs, err := repo.RecentMessages(ctx, s.DB, chatID, s.HistoryTurns+1)
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != currentID {
			out = append(out, m)
		}
	}
	if len(out) > s.HistoryTurns {
		out = out[len(out)-s.HistoryTurns:]
	}
	return out, nil
}

// --- Auto naming ---

// maybeAutoName renames a chat that still carries the default name after
// its first question. Failures are logged and otherwise ignored.
func (s *MessageService) maybeAutoName(ctx context.Context, chat *domain.Chat, prompt string) {
	if !isDefaultName(chat.Name) {
		return
	}
	name := s.generateTitleFromPrompt(prompt)
	if name == "" {
		return
	}
	if err := repo.RenameChat(ctx, s.DB, chat.ID, chat.UserID, s.clipTitle(name)); err != nil {
		log.Warn().Err(err).Str("chat_id", chat.ID).Msg("answer: auto-name failed")
	}
}

// isDefaultName reports whether the current name is a placeholder.
func isDefaultName(current string) bool {
	t := strings.TrimSpace(current)
	return t == "" || strings.EqualFold(t, DefaultChatName)
}

// generateTitleFromPrompt derives a concise title from the prompt.
func (s *MessageService) generateTitleFromPrompt(prompt string) string {
	toks := titleWordRE.FindAllString(strings.ToLower(strings.TrimSpace(prompt)), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.TitleLocaleOrDefault())
	out := make([]string, 0, 6)
	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 6 {
			break
		}
	}
	return strings.Join(out, " ")
}

// clipTitle truncates a generated title to the configured maximum rune length.
func (s *MessageService) clipTitle(title string) string {
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return strings.TrimSpace(string([]rune(title)[:max]))
	}
	return title
}

// TitleLocaleOrDefault returns the configured locale for casing or English if unset.
func (s *MessageService) TitleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

// Extract Unicode letters with optional trailing numbers (e.g., "q3" or "gdpr2016").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"what": {}, "how": {}, "does": {}, "do": {}, "which": {}, "who": {}, "me": {}, "tell": {},
}
