package chat

import (
	"fmt"
	"strings"

	"helpdesk_back/llm"
)

const supportSystemPrompt = "You are the support assistant for this product's help portal. " +
	"Answer the user's question using the knowledge-base context when it is provided. " +
	"Stay factual and concise; when the context does not cover the question, say so " +
	"instead of guessing, and suggest contacting support."

// buildPromptMessages composes the generation payload: system instructions,
// the assembled context, and the recent conversation turns. The history
// already ends with the just-persisted user question, so it is not appended
// twice.
func buildPromptMessages(blocks []ContextBlock, history []Message) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: RoleSystem, Content: supportSystemPrompt})

	if len(blocks) > 0 {
		messages = append(messages, llm.ChatMessage{
			Role:    RoleSystem,
			Content: renderContext(blocks),
		})
	}

	for _, msg := range history {
		role := msg.Role
		if role != RoleUser && role != RoleAssistant && role != RoleSystem {
			role = RoleUser
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: msg.Content})
	}

	return messages
}

func renderContext(blocks []ContextBlock) string {
	var builder strings.Builder
	builder.WriteString("Knowledge base context:\n")
	for i, block := range blocks {
		fmt.Fprintf(&builder, "[%d] %s\n", i+1, block.Text)
	}
	return strings.TrimRight(builder.String(), "\n")
}
