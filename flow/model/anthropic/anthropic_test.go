package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dshills/flowcore-go/flow/model"
)

func TestExtractSystemPrompt(t *testing.T) {
	t.Run("separates system from conversation", func(t *testing.T) {
		system, conversation := extractSystemPrompt([]model.Message{
			{Role: model.RoleSystem, Content: "You are a reviewer."},
			{Role: model.RoleUser, Content: "Review this order."},
			{Role: model.RoleAssistant, Content: "Looks fine."},
		})
		if system != "You are a reviewer." {
			t.Errorf("system = %q, want the system message", system)
		}
		if len(conversation) != 2 {
			t.Fatalf("conversation = %d messages, want 2", len(conversation))
		}
		if conversation[0].Role != model.RoleUser || conversation[1].Role != model.RoleAssistant {
			t.Errorf("conversation roles = %s, %s; want user then assistant",
				conversation[0].Role, conversation[1].Role)
		}
	})

	t.Run("concatenates multiple system messages in order", func(t *testing.T) {
		system, _ := extractSystemPrompt([]model.Message{
			{Role: model.RoleSystem, Content: "Be brief."},
			{Role: model.RoleUser, Content: "Hi"},
			{Role: model.RoleSystem, Content: "Answer in English."},
		})
		if system != "Be brief.\n\nAnswer in English." {
			t.Errorf("system = %q, want both prompts joined", system)
		}
	})

	t.Run("no system messages", func(t *testing.T) {
		system, conversation := extractSystemPrompt([]model.Message{
			{Role: model.RoleUser, Content: "Hi"},
		})
		if system != "" || len(conversation) != 1 {
			t.Errorf("got system=%q conversation=%d, want empty system", system, len(conversation))
		}
	})
}

func TestConvertMessages(t *testing.T) {
	params := convertMessages([]model.Message{
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleAssistant, Content: "answer"},
		{Role: "reviewer", Content: "unknown role"},
	})
	if len(params) != 3 {
		t.Fatalf("converted %d messages, want 3", len(params))
	}

	if params[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("params[0].Role = %s, want user", params[0].Role)
	}
	if params[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("params[1].Role = %s, want assistant", params[1].Role)
	}
	// Unknown roles map to user rather than dropping the message.
	if params[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("params[2].Role = %s, want user for unknown role", params[2].Role)
	}

	block := params[0].Content[0]
	if block.OfText == nil || block.OfText.Text != "question" {
		t.Errorf("params[0] content = %+v, want the text carried over", block)
	}
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

	t.Run("system-only conversation rejected", func(t *testing.T) {
		m := NewChatModel("test-key", "")
		_, err := m.Chat(context.Background(), []model.Message{
			{Role: model.RoleSystem, Content: "You are helpful."},
		})
		if err == nil {
			t.Fatal("Chat() = nil, want error for empty conversation")
		}
	})
}
