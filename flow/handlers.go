package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/tidwall/gjson"

	"github.com/dshills/flowcore-go/flow/model"
)

// maxResponseBody caps how much of an HTTP response body a node stores.
const maxResponseBody = 10 << 20

// Builtins carries the external collaborators the built-in handlers
// need. Nil fields disable the corresponding node kinds: a node of that
// kind fails permanently with a configuration error.
type Builtins struct {
	// HTTPClient serves http_request nodes. Nil uses a client with a
	// 30s timeout.
	HTTPClient *http.Client

	// Runner serves code nodes.
	Runner CodeRunner

	// Credentials and Connectors serve connector nodes.
	Credentials CredentialProvider
	Connectors  ConnectorInvoker

	// Secrets resolves {{secret:...}} references in http_request and
	// connector configs. Nil fails any node carrying a reference.
	Secrets SecretStore

	// Model serves agent nodes.
	Model model.ChatModel
}

// RegisterBuiltins registers the built-in handlers for every node kind
// except sub_workflow, which the engine registers itself because it
// needs to create child executions.
func RegisterBuiltins(d *Dispatcher, deps Builtins) error {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	handlers := map[NodeKind]Handler{
		KindTrigger:      &TriggerHandler{},
		KindHTTPRequest:  &HTTPRequestHandler{Client: client, Secrets: deps.Secrets},
		KindCode:         &CodeHandler{Runner: deps.Runner},
		KindCondition:    &ConditionHandler{},
		KindExprSwitch:   &ExprSwitchHandler{},
		KindValueSwitch:  &ValueSwitchHandler{},
		KindConnector:    &ConnectorHandler{Credentials: deps.Credentials, Invoker: deps.Connectors, Secrets: deps.Secrets},
		KindAgent:        &AgentHandler{Model: deps.Model},
		KindWaitSignal:   &WaitSignalHandler{},
		KindParallelJoin: &markerHandler{},
		KindLoopStart:    &markerHandler{},
		KindLoopEnd:      &markerHandler{},
	}
	for kind, h := range handlers {
		if err := d.Register(kind, h); err != nil {
			return err
		}
	}
	return nil
}

// TriggerHandler is the entry node: it succeeds without output, leaving
// the trigger data already seeded in the execution data untouched.
type TriggerHandler struct{}

// Execute implements Handler.
func (h *TriggerHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	return NodeExecutionResult{Status: NodeSuccess}
}

// markerHandler serves structural kinds (parallel_join, loop_start,
// loop_end) whose routing the engine performs itself.
type markerHandler struct{}

func (h *markerHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	return NodeExecutionResult{Status: NodeSuccess}
}

// WaitSignalHandler marks the park point for wait_signal nodes. The
// engine parks the execution after the node succeeds; the handler only
// echoes the expected type.
type WaitSignalHandler struct{}

// Execute implements Handler.
func (h *WaitSignalHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	sigType, _ := req.Config["signal_type"].(string)
	if sigType == "" {
		return NodeExecutionResult{
			Status:    NodeFailed,
			Error:     "wait_signal node missing config signal_type",
			Permanent: true,
		}
	}
	return NodeExecutionResult{
		Status: NodeSuccess,
		Output: map[string]any{"signal_type": sigType},
	}
}

// HTTPRequestHandler performs outbound HTTP calls for http_request
// nodes.
//
// Config:
//   - "method": HTTP method, default GET
//   - "url": request URL (required); {{path}} placeholders are rendered
//     from the execution data
//   - "headers": map of header name to value
//   - "body": request body, a string (template-rendered) or a map
//     (JSON-encoded)
//
// {{secret:...}} references in the url, header values, and a string
// body resolve through the secret store before template rendering.
//
// Output: "status_code", "headers" (first value per name), "body"
// (capped at 10MB), and "json" when the response is JSON.
//
// Non-2xx responses fail the node with the output retained; 4xx other
// than 408 and 429 are permanent since retrying an invalid request
// cannot help.
type HTTPRequestHandler struct {
	Client  *http.Client
	Secrets SecretStore
}

// Execute implements Handler.
func (h *HTTPRequestHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	rawURL, _ := req.Config["url"].(string)
	if rawURL == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "http_request node missing config url", Permanent: true}
	}
	rawURL, err := resolveSecretRefs(ctx, h.Secrets, rawURL)
	if err != nil {
		return secretFailure(err)
	}
	url := renderTemplate(rawURL, req.Input)

	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var bodyReader io.Reader
	contentType := ""
	switch body := req.Config["body"].(type) {
	case nil:
	case string:
		resolved, err := resolveSecretRefs(ctx, h.Secrets, body)
		if err != nil {
			return secretFailure(err)
		}
		bodyReader = strings.NewReader(renderTemplate(resolved, req.Input))
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("encode request body: %v", err), Permanent: true}
		}
		bodyReader = strings.NewReader(string(encoded))
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("build request: %v", err), Permanent: true}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for name, value := range headers {
			resolved, err := resolveSecretRefs(ctx, h.Secrets, fmt.Sprintf("%v", value))
			if err != nil {
				return secretFailure(err)
			}
			httpReq.Header.Set(name, resolved)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("http request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("read response: %v", err)}
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(raw),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			output["json"] = parsed
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests
		return NodeExecutionResult{
			Status:    NodeFailed,
			Output:    output,
			Error:     fmt.Sprintf("http status %d", resp.StatusCode),
			Permanent: permanent,
		}
	}

	return NodeExecutionResult{Status: NodeSuccess, Output: output}
}

// CodeHandler runs user code for code nodes through the configured
// CodeRunner sandbox.
//
// Config: "language" and "source" (both required). The execution data
// snapshot is passed to the runtime as input.
//
// Output: "stdout", "stderr", "exit_code", and "result" when the
// runtime produced a structured result. A non-zero exit code fails the
// node.
type CodeHandler struct {
	Runner CodeRunner
}

// Execute implements Handler.
func (h *CodeHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	if h.Runner == nil {
		return NodeExecutionResult{Status: NodeFailed, Error: "code runner not configured", Permanent: true}
	}
	language, _ := req.Config["language"].(string)
	source, _ := req.Config["source"].(string)
	if language == "" || source == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "code node requires config language and source", Permanent: true}
	}

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	run, err := h.Runner.Run(ctx, language, source, req.Input, timeout)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("code run: %v", err)}
	}

	output := map[string]any{
		"stdout":    run.Stdout,
		"stderr":    run.Stderr,
		"exit_code": run.ExitCode,
	}
	if run.Parsed != nil {
		output["result"] = run.Parsed
	}

	if run.ExitCode != 0 {
		return NodeExecutionResult{
			Status: NodeFailed,
			Output: output,
			Error:  fmt.Sprintf("code exited with status %d", run.ExitCode),
		}
	}
	return NodeExecutionResult{Status: NodeSuccess, Output: output}
}

// ConditionHandler evaluates a boolean expression against the execution
// data and routes on the "true"/"false" branch labels.
//
// Config: "expression" (required), an expr-lang expression whose
// environment is the execution data snapshot.
type ConditionHandler struct{}

// Execute implements Handler.
func (h *ConditionHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	expression, _ := req.Config["expression"].(string)
	if expression == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "condition node missing config expression", Permanent: true}
	}

	value, err := expr.Eval(expression, req.Input)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("evaluate expression: %v", err), Permanent: true}
	}

	branch := BranchFalse
	if truthy(value) {
		branch = BranchTrue
	}
	return NodeExecutionResult{
		Status: NodeSuccess,
		Branch: branch,
		Output: map[string]any{"branch": branch, "value": value},
	}
}

// ExprSwitchHandler routes on the first truthy expression in an ordered
// case list.
//
// Config: "cases", a list of {"label": string, "expression": string}
// entries evaluated in order. No truthy case produces an empty branch,
// which next-node selection resolves through the "default" edge.
type ExprSwitchHandler struct{}

// Execute implements Handler.
func (h *ExprSwitchHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	rawCases, ok := req.Config["cases"].([]any)
	if !ok || len(rawCases) == 0 {
		return NodeExecutionResult{Status: NodeFailed, Error: "expr_switch node missing config cases", Permanent: true}
	}

	for _, rawCase := range rawCases {
		entry, ok := rawCase.(map[string]any)
		if !ok {
			return NodeExecutionResult{Status: NodeFailed, Error: "expr_switch case must be an object", Permanent: true}
		}
		label, _ := entry["label"].(string)
		expression, _ := entry["expression"].(string)
		if label == "" || expression == "" {
			return NodeExecutionResult{Status: NodeFailed, Error: "expr_switch case requires label and expression", Permanent: true}
		}

		value, err := expr.Eval(expression, req.Input)
		if err != nil {
			return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("evaluate case %q: %v", label, err), Permanent: true}
		}
		if truthy(value) {
			return NodeExecutionResult{
				Status: NodeSuccess,
				Branch: label,
				Output: map[string]any{"branch": label},
			}
		}
	}

	// No case matched; the default edge applies.
	return NodeExecutionResult{Status: NodeSuccess, Output: map[string]any{"branch": ""}}
}

// ValueSwitchHandler routes on the string value found at a dot-path in
// the execution data.
//
// Config: "path" (required), a gjson dot-path. The branch is the
// stringified value at the path; a missing path yields an empty branch
// resolved through the "default" edge.
type ValueSwitchHandler struct{}

// Execute implements Handler.
func (h *ValueSwitchHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	path, _ := req.Config["path"].(string)
	if path == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "value_switch node missing config path", Permanent: true}
	}

	encoded, err := json.Marshal(req.Input)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("encode input: %v", err), Permanent: true}
	}

	branch := gjson.GetBytes(encoded, path).String()
	return NodeExecutionResult{
		Status: NodeSuccess,
		Branch: branch,
		Output: map[string]any{"branch": branch},
	}
}

// ConnectorHandler invokes third-party integration actions for
// connector nodes.
//
// Config: "connector" and "action" (required), "user_id" for credential
// resolution, and "params" passed through to the invoker. String params
// may carry {{secret:...}} references, resolved through the secret
// store before the invocation.
type ConnectorHandler struct {
	Credentials CredentialProvider
	Invoker     ConnectorInvoker
	Secrets     SecretStore
}

// Execute implements Handler.
func (h *ConnectorHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	if h.Invoker == nil {
		return NodeExecutionResult{Status: NodeFailed, Error: "connector invoker not configured", Permanent: true}
	}
	slug, _ := req.Config["connector"].(string)
	action, _ := req.Config["action"].(string)
	if slug == "" || action == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "connector node requires config connector and action", Permanent: true}
	}

	var creds TokenBundle
	if h.Credentials != nil {
		userID, _ := req.Config["user_id"].(string)
		resolved, err := h.Credentials.Get(ctx, slug, userID)
		if err != nil {
			return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("resolve credentials for %s: %v", slug, err)}
		}
		creds = resolved
	}

	params, _ := req.Config["params"].(map[string]any)
	if len(params) > 0 {
		resolved := make(map[string]any, len(params))
		for name, value := range params {
			str, ok := value.(string)
			if !ok {
				resolved[name] = value
				continue
			}
			rs, err := resolveSecretRefs(ctx, h.Secrets, str)
			if err != nil {
				return secretFailure(err)
			}
			resolved[name] = rs
		}
		params = resolved
	}
	output, err := h.Invoker.Invoke(ctx, slug, action, creds, params)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("%s.%s: %v", slug, action, err)}
	}
	return NodeExecutionResult{Status: NodeSuccess, Output: output}
}

// AgentHandler calls a chat model for agent nodes.
//
// Config: "prompt" (required; {{path}} placeholders are rendered from
// the execution data) and optional "system".
//
// Output: "text", "tokens_in", "tokens_out", "model".
type AgentHandler struct {
	Model model.ChatModel
}

// Execute implements Handler.
func (h *AgentHandler) Execute(ctx context.Context, req HandlerRequest) NodeExecutionResult {
	if h.Model == nil {
		return NodeExecutionResult{Status: NodeFailed, Error: "chat model not configured", Permanent: true}
	}
	prompt, _ := req.Config["prompt"].(string)
	if prompt == "" {
		return NodeExecutionResult{Status: NodeFailed, Error: "agent node missing config prompt", Permanent: true}
	}

	var messages []model.Message
	if system, _ := req.Config["system"].(string); system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	messages = append(messages, model.Message{
		Role:    model.RoleUser,
		Content: renderTemplate(prompt, req.Input),
	})

	out, err := h.Model.Chat(ctx, messages)
	if err != nil {
		return NodeExecutionResult{Status: NodeFailed, Error: fmt.Sprintf("chat model: %v", err)}
	}

	return NodeExecutionResult{
		Status: NodeSuccess,
		Output: map[string]any{
			"text":       out.Text,
			"tokens_in":  out.TokensIn,
			"tokens_out": out.TokensOut,
			"model":      out.Model,
		},
	}
}

// errNoSecretStore marks a secret reference in a config with no store
// to resolve it.
var errNoSecretStore = errors.New("secret store not configured")

// secretRefPrefix opens a secret reference inside a config string.
const secretRefPrefix = "{{secret:"

// resolveSecretRefs substitutes {{secret:key}}, {{secret:key:env}},
// and {{secret:key:env:path}} references through the secret store.
// References resolve before template rendering, and resolved values go
// straight into the outbound request, so secrets never pass through
// execution data. Strings without references pass through untouched.
func resolveSecretRefs(ctx context.Context, secrets SecretStore, s string) (string, error) {
	if !strings.Contains(s, secretRefPrefix) {
		return s, nil
	}
	if secrets == nil {
		return "", errNoSecretStore
	}

	var sb strings.Builder
	rest := s
	for {
		open := strings.Index(rest, secretRefPrefix)
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:open])
		ref := strings.TrimSpace(rest[open+len(secretRefPrefix) : open+closing])

		parts := strings.SplitN(ref, ":", 3)
		key := parts[0]
		var env, path string
		if len(parts) > 1 {
			env = parts[1]
		}
		if len(parts) > 2 {
			path = parts[2]
		}
		if key == "" {
			return "", fmt.Errorf("secret reference %q missing key", ref)
		}

		value, err := secrets.Get(ctx, key, env, path)
		if err != nil {
			return "", fmt.Errorf("resolve secret %q: %w", key, err)
		}
		sb.WriteString(value)
		rest = rest[open+closing+2:]
	}
	return sb.String(), nil
}

// secretFailure fails the node over a secret resolution error. A
// missing store is a configuration problem no retry can fix; a store
// error may be transient.
func secretFailure(err error) NodeExecutionResult {
	return NodeExecutionResult{
		Status:    NodeFailed,
		Error:     err.Error(),
		Permanent: errors.Is(err, errNoSecretStore),
	}
}

// renderTemplate substitutes {{path}} placeholders with values looked
// up by gjson dot-path in the input. Unresolvable paths render empty.
func renderTemplate(template string, input map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return template
	}

	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+closing])
		sb.WriteString(gjson.GetBytes(encoded, path).String())
		rest = rest[open+closing+2:]
	}
	return sb.String()
}

// truthy interprets an expression result as a routing decision: false,
// nil, zero numbers, and empty strings are falsy.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	default:
		return true
	}
}
