package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/flowcore-go/flow/model"
)

func TestConvertMessages(t *testing.T) {
	params := convertMessages([]model.Message{
		{Role: model.RoleSystem, Content: "You are a reviewer."},
		{Role: model.RoleUser, Content: "Review this order."},
		{Role: model.RoleAssistant, Content: "Looks fine."},
		{Role: "reviewer", Content: "unknown role"},
	})
	if len(params) != 4 {
		t.Fatalf("converted %d messages, want 4", len(params))
	}

	if params[0].OfSystem == nil {
		t.Fatal("params[0] not a system message")
	}
	if got := params[0].OfSystem.Content.OfString.Value; got != "You are a reviewer." {
		t.Errorf("system content = %q, want the text carried over", got)
	}

	if params[1].OfUser == nil {
		t.Fatal("params[1] not a user message")
	}
	if got := params[1].OfUser.Content.OfString.Value; got != "Review this order." {
		t.Errorf("user content = %q", got)
	}

	if params[2].OfAssistant == nil {
		t.Fatal("params[2] not an assistant message")
	}
	if got := params[2].OfAssistant.Content.OfString.Value; got != "Looks fine." {
		t.Errorf("assistant content = %q", got)
	}

	// Unknown roles map to user rather than dropping the message.
	if params[3].OfUser == nil {
		t.Error("params[3] not a user message for unknown role")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 rate limit exceeded"), true},
		{"server error", errors.New("unexpected 503 from upstream"), true},
		{"timeout", errors.New("request timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"temporary", errors.New("temporary failure in name resolution"), true},
		{"bad key", errors.New("invalid api key"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestChatCanceledContext(t *testing.T) {
	m := NewChatModel("test-key", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Chat() = %v, want context.Canceled", err)
	}
}
