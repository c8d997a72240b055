package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-pdf-chat/internal/domain"
)

// systemInstruction frames every answer. The user turn built by buildPrompt
// carries the retrieved context, the recent conversation and the question.
const systemInstruction = `You are DocuChat, an expert document analysis assistant.

Rules:
1. Answer primarily from the provided document context.
2. Cite the source file and page when you use information from it, e.g. (report.pdf, page 5).
3. If the context does not contain the answer, say: "Based on the available document content, I don't have sufficient information about..." and then say what is missing.
4. Use the recent conversation to resolve follow-up questions.
5. Keep a professional, analytical tone. Use short paragraphs and Markdown lists where they help.
6. Distinguish clearly between what the documents state and your own inferences.`

const noContext = "(no relevant document content was found for this chat)"

// contextBlock is one retrieved chunk as shown to the model.
type contextBlock struct {
	Source string
	Page   int
	Text   string
}

// buildPrompt renders the user turn sent to the generator.
func buildPrompt(question string, blocks []contextBlock, history []domain.Message) string {
	var b strings.Builder

	b.WriteString("**DOCUMENT CONTEXT:**\n")
	if len(blocks) == 0 {
		b.WriteString(noContext)
		b.WriteString("\n")
	}
	for i, c := range blocks {
		if i > 0 {
			b.WriteString("---\n")
		}
		source := c.Source
		if source == "" {
			source = "Document"
		}
		page := "Unknown"
		if c.Page > 0 {
			page = fmt.Sprint(c.Page)
		}
		fmt.Fprintf(&b, "Source: %s\nPage: %s\nContent: %s\n", source, page, strings.TrimSpace(c.Text))
	}

	if len(history) > 0 {
		b.WriteString("\n**RECENT CONVERSATION:**\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), strings.TrimSpace(m.Content))
		}
	}

	fmt.Fprintf(&b, "\n**USER QUESTION:** %s\n", strings.TrimSpace(question))
	return b.String()
}
