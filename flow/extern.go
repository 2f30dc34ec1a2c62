package flow

import (
	"context"
	"time"
)

// TokenBundle carries the credentials a connector invocation needs.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Extras       map[string]string
}

// CredentialProvider resolves fresh credentials for a connector and
// user. Implementations own refresh; the engine never sees refresh
// tokens in execution state.
type CredentialProvider interface {
	// Get returns usable credentials for the connector/user pair,
	// refreshing behind the scenes when the stored token expired.
	Get(ctx context.Context, connectorSlug, userID string) (TokenBundle, error)
}

// RunResult is the outcome of a sandboxed code run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Parsed is the decoded structured result, when the runtime
	// produced one.
	Parsed map[string]any
}

// CodeRunner executes user-supplied code in a sandbox. Implementations
// enforce the timeout and resource limits; a non-zero exit code is a
// normal RunResult, not an error.
type CodeRunner interface {
	Run(ctx context.Context, language, source string, input map[string]any, timeout time.Duration) (RunResult, error)
}

// SecretStore resolves named secrets at execution time so secret values
// never land in workflow definitions or execution state. Definitions
// reference secrets as {{secret:key}}, {{secret:key:env}}, or
// {{secret:key:env:path}}; handlers resolve the references just before
// use.
type SecretStore interface {
	// Get returns the secret value for key. env selects among
	// per-environment values and path selects a field inside a
	// structured secret; both may be empty.
	Get(ctx context.Context, key, env, path string) (string, error)
}

// ConnectorInvoker performs one action against a third-party
// integration using resolved credentials.
type ConnectorInvoker interface {
	Invoke(ctx context.Context, slug, action string, creds TokenBundle, params map[string]any) (map[string]any, error)
}
