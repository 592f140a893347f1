package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

// Router resolves model aliases and walks the fallback chain across
// registered providers. The requested model is always tried first; chain
// entries are only consulted on retryable failures.
type Router struct {
	mu             sync.RWMutex
	providers      map[string]Provider
	order          []string
	aliases        map[string]string
	chain          []string
	attemptTimeout time.Duration
	logger         *zap.Logger
}

// NewRouter creates a router with the given alias table and fallback chain.
// Chain entries may themselves be aliases.
func NewRouter(aliases map[string]string, chain []string, attemptTimeout time.Duration, logger *zap.Logger) *Router {
	if attemptTimeout <= 0 {
		attemptTimeout = 120 * time.Second
	}
	normalized := make(map[string]string, len(aliases))
	for k, v := range aliases {
		normalized[strings.ToLower(k)] = v
	}
	return &Router{
		providers:      make(map[string]Provider),
		aliases:        normalized,
		chain:          chain,
		attemptTimeout: attemptTimeout,
		logger:         logger.With(zap.String("component", "llm-router")),
	}
}

// AddProvider registers a provider. The first provider added becomes the
// default for models without a recognized prefix.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
	r.logger.Info("LLM provider added", zap.String("name", p.Name()))
}

// Providers returns registered provider names in insertion order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolveModel maps an alias to its full model name. Unknown names pass
// through unchanged so new models work without a config update.
func (r *Router) ResolveModel(model string) string {
	if full, ok := r.aliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}

// Aliases returns a copy of the alias table.
func (r *Router) Aliases() map[string]string {
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Chain returns the configured fallback chain, unresolved.
func (r *Router) Chain() []string {
	out := make([]string, len(r.chain))
	copy(out, r.chain)
	return out
}

// SplitModel separates an optional provider prefix from the model name.
// "anthropic/claude-x" → ("anthropic", "claude-x"); a bare model name
// defaults to the anthropic provider.
func SplitModel(model string) (string, string) {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return "anthropic", model
}

// Candidates returns the resolved request model followed by the fallback
// chain, duplicates removed, order preserved.
func (r *Router) Candidates(model string) []string {
	resolved := r.ResolveModel(model)
	out := []string{resolved}
	seen := map[string]bool{resolved: true}
	for _, f := range r.chain {
		rf := r.ResolveModel(f)
		if !seen[rf] {
			seen[rf] = true
			out = append(out, rf)
		}
	}
	return out
}

func (r *Router) providerFor(model string) (Provider, bool) {
	prefix, _ := SplitModel(model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[prefix]; ok {
		return p, true
	}
	if len(r.order) > 0 {
		return r.providers[r.order[0]], true
	}
	return nil, false
}

// Execute runs a non-streaming request, falling back along the chain on
// retryable failures. It returns the model that actually answered.
func (r *Router) Execute(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, string, error) {
	candidates := r.Candidates(req.Model)
	var lastErr error
	lastModel := candidates[0]

	for i, model := range candidates {
		if ctx.Err() != nil {
			return nil, lastModel, classifyCtxErr(ctx.Err())
		}

		p, ok := r.providerFor(model)
		if !ok {
			return nil, model, domainErrors.NewInternalError("no provider registered")
		}

		attemptReq := *req
		attemptReq.Model = model
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		start := time.Now()
		resp, err := p.Generate(attemptCtx, &attemptReq)
		cancel()

		if err == nil {
			if i > 0 {
				r.logger.Info("Fallback model answered",
					zap.String("model", model),
					zap.String("requested", candidates[0]),
					zap.Duration("latency", time.Since(start)))
			}
			return resp, model, nil
		}

		lastErr = err
		lastModel = model
		if !IsRetryable(err) || i == len(candidates)-1 {
			break
		}
		r.logger.Warn("Model failed, trying fallback",
			zap.String("model", model),
			zap.String("next", candidates[i+1]),
			zap.Error(err))
	}

	return nil, lastModel, lastErr
}

// ExecuteStream runs a streaming request with fallback. Fallback is only
// possible before any event has reached the sink; once the client has
// bytes the stream is committed to its model.
func (r *Router) ExecuteStream(ctx context.Context, req *entity.ChatRequest, sink entity.StreamSink) (*entity.Usage, string, error) {
	candidates := r.Candidates(req.Model)
	var lastErr error
	lastModel := candidates[0]

	for i, model := range candidates {
		if ctx.Err() != nil {
			return nil, lastModel, classifyCtxErr(ctx.Err())
		}

		p, ok := r.providerFor(model)
		if !ok {
			return nil, model, domainErrors.NewInternalError("no provider registered")
		}

		// Error events from the adapter are held back: either the next
		// candidate recovers, or the caller surfaces the returned error.
		guard := &guardSink{inner: sink}

		attemptReq := *req
		attemptReq.Model = model
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		usage, err := p.GenerateStream(attemptCtx, &attemptReq, guard.forward)
		cancel()

		if err == nil {
			return usage, model, nil
		}

		lastErr = err
		lastModel = model
		if guard.sent {
			r.logger.Warn("Stream failed after first byte, cannot fall back",
				zap.String("model", model),
				zap.Error(err))
			return usage, model, err
		}
		if !IsRetryable(err) || i == len(candidates)-1 {
			break
		}
		r.logger.Warn("Stream failed before first byte, trying fallback",
			zap.String("model", model),
			zap.String("next", candidates[i+1]),
			zap.Error(err))
	}

	return nil, lastModel, lastErr
}

// guardSink suppresses adapter error events so the router keeps sole
// ownership of failure handling, and records whether the client has
// received anything.
type guardSink struct {
	inner entity.StreamSink
	sent  bool
}

func (g *guardSink) forward(ev entity.StreamEvent) error {
	if ev.Type == entity.StreamError {
		return nil
	}
	g.sent = true
	return g.inner(ev)
}

// IsRetryable reports whether a failure should advance the fallback chain:
// upstream 429/500/502/503/529, or a transport timeout.
func IsRetryable(err error) bool {
	switch domainErrors.UpstreamStatus(err) {
	case 429, 500, 502, 503, 529:
		return true
	}
	return domainErrors.IsTransport(err) && strings.Contains(err.Error(), "timeout")
}

func classifyCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return domainErrors.NewTransportError("timeout")
	}
	return domainErrors.NewTransportErrorWithCause(fmt.Sprintf("request aborted: %v", err), err)
}
