// Package llm talks to the embedding and generation provider.
package llm

import "context"

// FallbackAnswer is returned when the model produces no candidate text.
const FallbackAnswer = "AI could not generate a response. Try again."

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces an answer for a prompt under a system instruction.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}
