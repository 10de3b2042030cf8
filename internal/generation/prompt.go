package generation

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/citeline/internal/retrieval"
)

// Turn is one earlier message of the conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

const structuredInstruction = "Reply with a JSON object with two fields: " +
	`"message", your answer as plain text, and "sources_used", a list of {"source_num", "reason"} ` +
	"entries naming each numbered source you relied on and why. Use an empty list if you used none."

// FormatExcerpts renders chunks as numbered sources. The numbers are the
// 1-based positions in chunks and are what the model cites.
func FormatExcerpts(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return "No document excerpts were found for this question."
	}
	var b strings.Builder
	b.WriteString("Document excerpts:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[Source %d] Document: %s", i+1, c.DocumentName)
		if c.Page != nil {
			fmt.Fprintf(&b, " (page %d)", *c.Page)
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(c.Text))
		b.WriteString("\n")
	}
	return b.String()
}

// BuildMessages assembles the chat messages for one generation call: the
// mode instruction, the numbered excerpts, the recent history and finally
// the question. structured adds the reply-format instruction.
func BuildMessages(mode, question string, chunks []retrieval.Chunk, history []Turn, structured bool) []openai.ChatCompletionMessage {
	system := Instruction(mode)
	if structured {
		system += "\n\n" + structuredInstruction
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleSystem, Content: FormatExcerpts(chunks)},
	}
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})
}

// lastTurns returns at most n trailing turns.
func lastTurns(history []Turn, n int) []Turn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
