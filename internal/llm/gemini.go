package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/tbourn/go-pdf-chat/internal/config"
)

// maxBatch is the provider limit for one BatchEmbedContents call.
const maxBatch = 100

// Gemini implements Embedder and Generator over one API client.
type Gemini struct {
	client      *genai.Client
	embedModel  string
	genModel    string
	temperature float32
	maxTokens   int32
}

var (
	_ Embedder  = (*Gemini)(nil)
	_ Generator = (*Gemini)(nil)
)

// NewGemini creates a client from cfg.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("GOOGLE_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	g := &Gemini{
		client:      cl,
		embedModel:  cfg.EmbeddingModel,
		genModel:    cfg.GenerationModel,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxOutputTokens),
	}
	if g.embedModel == "" {
		g.embedModel = "gemini-embedding-001"
	}
	if g.genModel == "" {
		g.genModel = "gemini-2.5-flash"
	}
	return g, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts splits texts into provider-sized batches and embeds them
// concurrently. The result keeps input order.
func (g *Gemini) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := g.client.EmbeddingModel(g.embedModel)
	out := make([][]float32, len(texts))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, b := range batches(len(texts), maxBatch) {
		b := b
		eg.Go(func() error {
			batch := em.NewBatch()
			for _, t := range texts[b[0]:b[1]] {
				batch.AddContent(genai.Text(t))
			}
			resp, err := em.BatchEmbedContents(ctx, batch)
			if err != nil {
				return fmt.Errorf("gemini batch embed: %w", err)
			}
			if len(resp.Embeddings) != b[1]-b[0] {
				return fmt.Errorf("gemini batch embed: got %d embeddings for %d texts", len(resp.Embeddings), b[1]-b[0])
			}
			for i, e := range resp.Embeddings {
				out[b[0]+i] = e.Values
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Generate runs one non-streaming completion.
func (g *Gemini) Generate(ctx context.Context, system, prompt string) (string, error) {
	m := g.client.GenerativeModel(g.genModel)
	m.SetTemperature(g.temperature)
	m.SetMaxOutputTokens(g.maxTokens)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return candidateText(resp), nil
}

// candidateText joins the text parts of the first candidate, or returns
// FallbackAnswer when there is nothing to show.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return FallbackAnswer
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return FallbackAnswer
	}
	return b.String()
}

// batches returns [start,end) ranges covering n items in steps of size.
func batches(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
