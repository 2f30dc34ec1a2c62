package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func hmacHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"pr_merged"}`)
	secret := "hunter2"
	sig := hmacHex(secret, payload)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifySignature("sha256", secret, payload, sig) {
			t.Error("VerifySignature() = false for valid signature")
		}
	})

	t.Run("prefixed signature", func(t *testing.T) {
		if !VerifySignature("sha256", secret, payload, "sha256="+sig) {
			t.Error("VerifySignature() = false for prefixed signature")
		}
	})

	t.Run("default algorithm is sha256", func(t *testing.T) {
		if !VerifySignature("", secret, payload, sig) {
			t.Error("VerifySignature() with empty algorithm should use sha256")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifySignature("sha256", "other", payload, sig) {
			t.Error("VerifySignature() = true for wrong secret")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		if VerifySignature("sha256", secret, []byte(`{"event":"x"}`), sig) {
			t.Error("VerifySignature() = true for tampered payload")
		}
	})

	t.Run("empty signature", func(t *testing.T) {
		if VerifySignature("sha256", secret, payload, "") {
			t.Error("VerifySignature() = true for empty signature")
		}
	})

	t.Run("garbage hex", func(t *testing.T) {
		if VerifySignature("sha256", secret, payload, "zzzz") {
			t.Error("VerifySignature() = true for non-hex signature")
		}
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		if VerifySignature("md5", secret, payload, sig) {
			t.Error("VerifySignature() = true for unknown algorithm")
		}
	})
}

func TestMapPayload(t *testing.T) {
	body := []byte(`{"pull_request":{"number":42,"merged":true},"sender":{"login":"ada"}}`)

	t.Run("projects gjson paths", func(t *testing.T) {
		data := MapPayload(map[string]string{
			"pr":     "pull_request.number",
			"merged": "pull_request.merged",
			"user":   "sender.login",
			"ghost":  "no.such.path",
		}, body)

		if data["pr"] != float64(42) {
			t.Errorf("pr = %v (%T), want 42", data["pr"], data["pr"])
		}
		if data["merged"] != true {
			t.Errorf("merged = %v, want true", data["merged"])
		}
		if data["user"] != "ada" {
			t.Errorf("user = %v, want ada", data["user"])
		}
		ghost, exists := data["ghost"]
		if !exists || ghost != nil {
			t.Errorf("ghost = %v (present=%v), want explicit nil for a missing path", ghost, exists)
		}
	})

	t.Run("nil mapping passes payload through", func(t *testing.T) {
		data := MapPayload(nil, body)
		payload, ok := data["payload"].(map[string]any)
		if !ok {
			t.Fatalf("payload = %T, want decoded map", data["payload"])
		}
		if payload["sender"] == nil {
			t.Error("decoded payload lost fields")
		}
	})

	t.Run("non-json body kept as string", func(t *testing.T) {
		data := MapPayload(nil, []byte("plain text"))
		if data["payload"] != "plain text" {
			t.Errorf("payload = %v, want raw string", data["payload"])
		}
	})
}

func TestConnectorFromPath(t *testing.T) {
	cases := []struct {
		path      string
		connector string
		ok        bool
	}{
		{"/github/webhook", "github", true},
		{"/signals/github/webhook", "github", true},
		{"/github/webhook/", "github", true},
		{"/webhook", "", false},
		{"/github/events", "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			connector, ok := connectorFromPath(tc.path)
			if ok != tc.ok || connector != tc.connector {
				t.Errorf("connectorFromPath(%q) = %q, %v; want %q, %v",
					tc.path, connector, ok, tc.connector, tc.ok)
			}
		})
	}
}
