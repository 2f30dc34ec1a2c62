// Package google adapts Google Gemini models to the model.ChatModel
// seam.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/flowcore-go/flow/model"
)

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Safety filter blocks surface as *SafetyFilterError so callers can
// distinguish blocked content from transport failures.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	})
//	if err != nil {
//	    var safetyErr *google.SafetyFilterError
//	    if errors.As(err, &safetyErr) {
//	        log.Printf("content blocked: %s", safetyErr.Category())
//	    }
//	}
type ChatModel struct {
	apiKey    string
	modelName string
}

// NewChatModel creates a Google ChatModel.
//
// Parameters:
//   - apiKey: Google API key
//   - modelName: model to use; empty string uses "gemini-2.5-flash"
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return model.ChatOut{}, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: create client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(m.modelName)

	system, parts := convertMessages(messages)
	if system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("google: conversation has no content")
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}

	out, blockErr := convertResponse(resp)
	if blockErr != nil {
		return model.ChatOut{}, blockErr
	}
	out.Model = m.modelName
	return out, nil
}

// convertMessages splits out the system instruction and flattens the
// rest of the conversation into text parts.
func convertMessages(messages []model.Message) (string, []genai.Part) {
	var system strings.Builder
	var parts []genai.Part

	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role == model.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return system.String(), parts
}

// convertResponse maps the Gemini response to ChatOut, surfacing safety
// blocks as SafetyFilterError.
func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	out := model.ChatOut{}

	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return out, &SafetyFilterError{
				reason:   resp.PromptFeedback.BlockReason.String(),
				category: blockedCategories(resp.PromptFeedback.SafetyRatings),
			}
		}
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{
			reason:   candidate.FinishReason.String(),
			category: blockedCategories(candidate.SafetyRatings),
		}
	}
	if candidate.Content == nil {
		return out, nil
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(string(t))
		}
	}
	out.Text = text.String()
	return out, nil
}

// blockedCategories joins the categories of blocked safety ratings.
func blockedCategories(ratings []*genai.SafetyRating) string {
	var names []string
	for _, r := range ratings {
		if r != nil && r.Blocked {
			names = append(names, r.Category.String())
		}
	}
	return strings.Join(names, ",")
}

// SafetyFilterError represents a Google safety filter block.
//
// Use errors.As to check for it:
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety categories that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
