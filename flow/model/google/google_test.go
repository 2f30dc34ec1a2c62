package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/flowcore-go/flow/model"
)

func TestConvertMessages(t *testing.T) {
	t.Run("splits system instruction from parts", func(t *testing.T) {
		system, parts := convertMessages([]model.Message{
			{Role: model.RoleSystem, Content: "You are a reviewer."},
			{Role: model.RoleUser, Content: "Review this order."},
			{Role: model.RoleAssistant, Content: "Looks fine."},
		})
		if system != "You are a reviewer." {
			t.Errorf("system = %q, want the system message", system)
		}
		if len(parts) != 2 {
			t.Fatalf("parts = %d, want 2", len(parts))
		}
		if text, ok := parts[0].(genai.Text); !ok || string(text) != "Review this order." {
			t.Errorf("parts[0] = %v, want the user text", parts[0])
		}
	})

	t.Run("concatenates system messages", func(t *testing.T) {
		system, _ := convertMessages([]model.Message{
			{Role: model.RoleSystem, Content: "Be brief."},
			{Role: model.RoleSystem, Content: "Answer in English."},
			{Role: model.RoleUser, Content: "Hi"},
		})
		if system != "Be brief.\n\nAnswer in English." {
			t.Errorf("system = %q, want both prompts joined", system)
		}
	})

	t.Run("skips empty messages", func(t *testing.T) {
		_, parts := convertMessages([]model.Message{
			{Role: model.RoleUser, Content: ""},
			{Role: model.RoleUser, Content: "real"},
		})
		if len(parts) != 1 {
			t.Errorf("parts = %d, want empty content dropped", len(parts))
		}
	})
}

func TestConvertResponse(t *testing.T) {
	t.Run("joins text parts and reads usage", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{
					genai.Text("first line"),
					genai.Text("second line"),
				}},
			}},
			UsageMetadata: &genai.UsageMetadata{
				PromptTokenCount:     20,
				CandidatesTokenCount: 9,
			},
		}

		out, err := convertResponse(resp)
		if err != nil {
			t.Fatalf("convertResponse() = %v", err)
		}
		if out.Text != "first line\nsecond line" {
			t.Errorf("Text = %q, want parts joined with newline", out.Text)
		}
		if out.TokensIn != 20 || out.TokensOut != 9 {
			t.Errorf("tokens = %d/%d, want 20/9", out.TokensIn, out.TokensOut)
		}
	})

	t.Run("safety finish surfaces SafetyFilterError", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonSafety,
				SafetyRatings: []*genai.SafetyRating{
					{Category: genai.HarmCategoryHarassment, Blocked: true},
					{Category: genai.HarmCategoryDangerousContent, Blocked: false},
				},
			}},
		}

		_, err := convertResponse(resp)
		var safetyErr *SafetyFilterError
		if !errors.As(err, &safetyErr) {
			t.Fatalf("convertResponse() = %v, want SafetyFilterError", err)
		}
		if safetyErr.Reason() != genai.FinishReasonSafety.String() {
			t.Errorf("Reason() = %q, want the finish reason", safetyErr.Reason())
		}
		if safetyErr.Category() != genai.HarmCategoryHarassment.String() {
			t.Errorf("Category() = %q, want only the blocked category", safetyErr.Category())
		}
	})

	t.Run("blocked prompt with no candidates", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			PromptFeedback: &genai.PromptFeedback{
				BlockReason: genai.BlockReasonSafety,
			},
		}

		_, err := convertResponse(resp)
		var safetyErr *SafetyFilterError
		if !errors.As(err, &safetyErr) {
			t.Fatalf("convertResponse() = %v, want SafetyFilterError", err)
		}
	})

	t.Run("empty response is not an error", func(t *testing.T) {
		out, err := convertResponse(&genai.GenerateContentResponse{})
		if err != nil || out.Text != "" {
			t.Fatalf("convertResponse(empty) = %+v, %v; want zero output", out, err)
		}
	})
}

func TestChatGuards(t *testing.T) {
	t.Run("canceled context", func(t *testing.T) {
		m := NewChatModel("test-key", "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Chat() = %v, want context.Canceled", err)
		}
	})

	t.Run("missing API key", func(t *testing.T) {
		m := NewChatModel("", "")
		_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}})
		if err == nil {
			t.Fatal("Chat() = nil, want error without API key")
		}
	})
}
