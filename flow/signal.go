package flow

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// SignalSubscription binds an external webhook source to a signal
// type. An incoming webhook on the subscription's connector is
// verified against the shared secret, mapped into signal data, and
// appended for delivery.
type SignalSubscription struct {
	ID        string `json:"id"`
	Connector string `json:"connector"`

	// SignalType is the type the resulting signals carry; wait_signal
	// nodes match on it.
	SignalType string `json:"signal_type"`

	// Secret keys the HMAC signature check. Empty disables
	// verification for this subscription.
	Secret string `json:"secret,omitempty"`

	// Algorithm is the HMAC hash: sha256 (default), sha1, or sha512.
	Algorithm string `json:"algorithm,omitempty"`

	// SignatureHeader names the header carrying the hex signature.
	// Default "X-Signature". A "sha256=" style prefix is tolerated.
	SignatureHeader string `json:"signature_header,omitempty"`

	// Mapping builds the signal data from the payload: each key is a
	// data field, each value a gjson path into the webhook body. Empty
	// mapping passes the whole payload through.
	Mapping map[string]string `json:"mapping,omitempty"`

	// ExecutionPath is a gjson path resolving the target execution id
	// from the payload. Empty produces unrouted signals claimed by the
	// oldest matching waiting execution.
	ExecutionPath string `json:"execution_path,omitempty"`
}

// SignalLayer ingests external signals: programmatic sends, HMAC
// verified webhooks, and the TTL sweep that dead-letters signals
// nobody consumed.
//
// Example usage:
//
//	signals := flow.NewSignalLayer(engine, worker.Notify)
//	signals.Subscribe(flow.SignalSubscription{
//	    Connector:  "github",
//	    SignalType: "pr_merged",
//	    Secret:     os.Getenv("WEBHOOK_SECRET"),
//	    Mapping:    map[string]string{"pr": "pull_request.number"},
//	})
//	http.Handle("/signals/", http.StripPrefix("/signals", signals))
type SignalLayer struct {
	engine *Engine
	store  Store
	opts   Options

	// notify wakes the worker after an ingest so waiting executions
	// resume before the next poll tick. May be nil.
	notify func()

	mu   sync.RWMutex
	subs map[string][]SignalSubscription
}

// NewSignalLayer builds a signal layer over the engine's store.
func NewSignalLayer(engine *Engine, notify func()) *SignalLayer {
	return &SignalLayer{
		engine: engine,
		store:  engine.store,
		opts:   engine.opts,
		notify: notify,
		subs:   make(map[string][]SignalSubscription),
	}
}

// Subscribe registers a webhook subscription and returns its id.
func (l *SignalLayer) Subscribe(sub SignalSubscription) string {
	if sub.ID == "" {
		sub.ID = NewID("sub")
	}
	if sub.SignatureHeader == "" {
		sub.SignatureHeader = "X-Signature"
	}
	if sub.Algorithm == "" {
		sub.Algorithm = "sha256"
	}
	l.mu.Lock()
	l.subs[sub.Connector] = append(l.subs[sub.Connector], sub)
	l.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription by id.
func (l *SignalLayer) Unsubscribe(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for connector, subs := range l.subs {
		for i, sub := range subs {
			if sub.ID == id {
				l.subs[connector] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Send records a signal directly. An empty executionID produces an
// unrouted signal that the oldest matching waiting execution claims.
func (l *SignalLayer) Send(ctx context.Context, executionID, signalType string, data map[string]any) (*Signal, error) {
	if signalType == "" {
		return nil, inputErrorf("signal type required")
	}
	if executionID != "" {
		sig, err := l.engine.ProcessSignal(ctx, executionID, signalType, data)
		if err != nil {
			return nil, err
		}
		l.wake()
		return sig, nil
	}

	sig := &Signal{
		ID:         NewID("sig"),
		Type:       signalType,
		Data:       data,
		ReceivedAt: l.opts.Clock(),
	}
	if err := l.store.AppendSignal(ctx, sig); err != nil {
		return nil, err
	}
	l.opts.Metrics.RecordSignal(false)
	l.wake()
	return sig, nil
}

// ServeHTTP handles webhook ingestion on POST {connector}/webhook.
// The optional trigger_id query parameter targets one subscription;
// otherwise every subscription of the connector is tried.
//
// The response body reports how many subscriptions matched:
//
//	{"matched": 2}
//
// A signature failure on any targeted subscription returns 401 and
// ingests nothing.
func (l *SignalLayer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connector, ok := connectorFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	l.mu.RLock()
	subs := append([]SignalSubscription(nil), l.subs[connector]...)
	l.mu.RUnlock()

	triggerID := r.URL.Query().Get("trigger_id")
	matched := 0
	for _, sub := range subs {
		if triggerID != "" && sub.ID != triggerID {
			continue
		}
		if sub.Secret != "" {
			sig := r.Header.Get(sub.SignatureHeader)
			if !VerifySignature(sub.Algorithm, sub.Secret, body, sig) {
				http.Error(w, "signature mismatch", http.StatusUnauthorized)
				return
			}
		}
		if err := l.ingest(r.Context(), sub, body); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		matched++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"matched": matched})
}

// ingest maps the payload and appends the signal for one subscription.
func (l *SignalLayer) ingest(ctx context.Context, sub SignalSubscription, body []byte) error {
	data := MapPayload(sub.Mapping, body)

	executionID := ""
	if sub.ExecutionPath != "" {
		executionID = gjson.GetBytes(body, sub.ExecutionPath).String()
	}

	_, err := l.Send(ctx, executionID, sub.SignalType, data)
	if err != nil {
		return fmt.Errorf("ingest %s signal: %w", sub.SignalType, err)
	}
	return nil
}

// SweepExpired dead-letters pending signals older than the configured
// TTL and returns how many moved.
func (l *SignalLayer) SweepExpired(ctx context.Context) (int, error) {
	n, err := l.store.SweepExpiredSignals(ctx, l.opts.Clock(), l.opts.SignalTTL)
	if err != nil {
		return 0, err
	}
	l.opts.Metrics.RecordDeadLetters(n)
	return n, nil
}

func (l *SignalLayer) wake() {
	if l.notify != nil {
		l.notify()
	}
}

// connectorFromPath extracts the connector from ".../{connector}/webhook".
func connectorFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] != "webhook" {
		return "", false
	}
	connector := parts[len(parts)-2]
	if connector == "" {
		return "", false
	}
	return connector, true
}

// VerifySignature checks a hex HMAC signature over the payload in
// constant time. The signature may carry an "sha256=" style prefix.
func VerifySignature(algorithm, secret string, payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	if i := strings.IndexByte(signature, '='); i >= 0 {
		signature = signature[i+1:]
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	var newHash func() hash.Hash
	switch algorithm {
	case "sha1":
		newHash = sha1.New
	case "sha512":
		newHash = sha512.New
	case "", "sha256":
		newHash = sha256.New
	default:
		return false
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}

// MapPayload projects a webhook body into signal data using gjson
// paths. Fields whose path does not exist in the body map to nil, so
// downstream nodes see every declared field. A nil mapping passes the
// decoded payload through whole under "payload".
func MapPayload(mapping map[string]string, body []byte) map[string]any {
	if len(mapping) == 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			decoded = string(body)
		}
		return map[string]any{"payload": decoded}
	}

	data := make(map[string]any, len(mapping))
	for field, path := range mapping {
		result := gjson.GetBytes(body, path)
		if !result.Exists() {
			data[field] = nil
			continue
		}
		data[field] = result.Value()
	}
	return data
}
