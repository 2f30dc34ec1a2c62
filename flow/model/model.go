// Package model provides the chat model seam for agent nodes.
//
// Agent nodes call an LLM through the ChatModel interface; provider
// adapters live in the openai, anthropic, and google subpackages, and
// MockChatModel serves tests. Tool use is not part of this seam: agent
// outputs feed condition and switch nodes, so routing decisions stay in
// the workflow graph rather than inside a provider tool loop.
package model

import "context"

// Standard role constants for chat conversations. These align with the
// conventions used by the major providers.
const (
	// RoleSystem sets context or instructions; typically first.
	RoleSystem = "system"

	// RoleUser carries user input or questions.
	RoleUser = "user"

	// RoleAssistant carries model responses.
	RoleAssistant = "assistant"
)

// Message represents a single message in a chat conversation.
type Message struct {
	// Role identifies the sender; use the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// ChatOut is the result of one chat completion.
type ChatOut struct {
	// Text is the model's generated response.
	Text string

	// TokensIn and TokensOut report usage as the provider metered it.
	// Zero when the provider did not report usage.
	TokensIn  int
	TokensOut int

	// Model is the concrete model that served the request.
	Model string
}

// ChatModel is the interface agent nodes call.
//
// Implementations should:
//   - Handle provider-specific authentication
//   - Convert the standard Message format to the provider's format
//   - Parse provider responses back into ChatOut
//   - Respect context cancellation and timeouts
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Summarize this order."},
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(out.Text)
type ChatModel interface {
	// Chat sends the conversation to the provider and returns its
	// response.
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}
