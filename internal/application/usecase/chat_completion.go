package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/service"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	"github.com/arieshq/aries/internal/infrastructure/usage"
	domainErrors "github.com/arieshq/aries/pkg/errors"
)

// ChatCompletionUseCase is the gateway core: every completion, whether it
// arrives over HTTP or from an in-process swarm worker, funnels through
// here for caching, admission control, fallback routing, and usage
// accounting.
type ChatCompletionUseCase struct {
	router       *llm.Router
	cache        *llm.ResponseCache
	tracker      *usage.Tracker
	monitor      *monitoring.Monitor
	sem          *semaphore.Weighted
	queueCap     int64
	queueLen     atomic.Int64
	active       atomic.Int64
	defaultModel string
	logger       *zap.Logger
}

// ChatResult is one finished non-streaming completion plus the routing
// facts the wire layer annotates responses with.
type ChatResult struct {
	Response  *entity.ChatResponse
	UsedModel string
	Requested string
	Fallback  bool
	Cached    bool
	ID        string
	Created   int64
	Cost      float64
}

// StreamResult reports how a streaming completion was routed once the
// stream has ended.
type StreamResult struct {
	UsedModel string
	Requested string
	Fallback  bool
	Usage     *entity.Usage
}

// NewChatCompletion wires the gateway core. maxConcurrent bounds in-flight
// upstream calls; queueCap bounds callers allowed to wait for a permit
// before new arrivals are refused.
func NewChatCompletion(
	router *llm.Router,
	cache *llm.ResponseCache,
	tracker *usage.Tracker,
	monitor *monitoring.Monitor,
	maxConcurrent int,
	queueCap int,
	defaultModel string,
	logger *zap.Logger,
) *ChatCompletionUseCase {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if queueCap < 0 {
		queueCap = 0
	}
	return &ChatCompletionUseCase{
		router:       router,
		cache:        cache,
		tracker:      tracker,
		monitor:      monitor,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		queueCap:     int64(queueCap),
		defaultModel: defaultModel,
		logger:       logger.With(zap.String("component", "chat-completion")),
	}
}

// Execute runs a non-streaming completion. The route label tags the usage
// ring so operators can tell API traffic from swarm-internal calls.
func (uc *ChatCompletionUseCase) Execute(ctx context.Context, req *entity.ChatRequest, route string) (*ChatResult, error) {
	work := uc.prepare(req)
	uc.monitor.IncRequestTotal()

	fp := llm.Fingerprint(work)
	if hit, ok := uc.cache.Get(fp); ok {
		uc.monitor.IncCacheHit()
		uc.monitor.IncRequestSuccess()
		uc.tracker.RecordCached(hit.UsedModel, hit.Response.Usage, 0)
		uc.logger.Debug("Cache hit", zap.String("model", work.Model))
		return &ChatResult{
			Response:  hit.Response,
			UsedModel: hit.UsedModel,
			Requested: hit.Requested,
			Fallback:  hit.Fallback,
			Cached:    true,
			ID:        hit.ID,
			Created:   hit.Created,
		}, nil
	}
	uc.monitor.IncCacheMiss()

	if err := uc.acquire(ctx); err != nil {
		uc.monitor.IncRequestFailed()
		return nil, err
	}
	defer uc.release()

	start := time.Now()
	resp, used, err := uc.router.Execute(ctx, work)
	latency := time.Since(start)
	if err != nil {
		uc.monitor.IncRequestFailed()
		return nil, err
	}

	cost := uc.tracker.Record(used, resp.Usage, latency, route)
	uc.monitor.IncRequestSuccess()
	uc.monitor.AddTokensUsed(resp.Usage.Total())
	uc.monitor.RecordRequestLatency(latency)

	fallback := used != work.Model
	if fallback {
		uc.monitor.IncFallback()
	}

	result := &ChatResult{
		Response:  resp,
		UsedModel: used,
		Requested: work.Model,
		Fallback:  fallback,
		ID:        newCompletionID(),
		Created:   time.Now().Unix(),
		Cost:      cost,
	}
	uc.cache.Put(fp, &llm.CachedResponse{
		Response:  resp,
		UsedModel: used,
		Fallback:  fallback,
		Requested: work.Model,
		ID:        result.ID,
		Created:   result.Created,
	})
	return result, nil
}

// ExecuteStream runs a streaming completion. Events reach the sink in
// upstream order; the returned StreamResult is valid even when err is
// non-nil so the wire layer can report the model a mid-stream failure
// happened on.
func (uc *ChatCompletionUseCase) ExecuteStream(ctx context.Context, req *entity.ChatRequest, sink entity.StreamSink) (*StreamResult, error) {
	work := uc.prepare(req)
	uc.monitor.IncRequestTotal()
	uc.monitor.IncStream()

	if err := uc.acquire(ctx); err != nil {
		uc.monitor.IncRequestFailed()
		return nil, err
	}
	defer uc.release()

	start := time.Now()
	u, used, err := uc.router.ExecuteStream(ctx, work, sink)
	latency := time.Since(start)

	res := &StreamResult{
		UsedModel: used,
		Requested: work.Model,
		Fallback:  used != work.Model,
		Usage:     u,
	}
	if err != nil {
		uc.monitor.IncRequestFailed()
		return res, err
	}

	if res.Fallback {
		uc.monitor.IncFallback()
	}
	if u != nil {
		uc.tracker.Record(used, *u, latency, "stream")
		uc.monitor.AddTokensUsed(u.Total())
	}
	uc.monitor.IncRequestSuccess()
	uc.monitor.RecordRequestLatency(latency)
	return res, nil
}

// RoutedClient exposes the use case as the swarm's ChatClient with ring
// records labeled by route.
func (uc *ChatCompletionUseCase) RoutedClient(route string) service.ChatClient {
	return routedClient{uc: uc, route: route}
}

// ActiveCount returns in-flight upstream calls.
func (uc *ChatCompletionUseCase) ActiveCount() int64 { return uc.active.Load() }

// QueueLength returns callers currently waiting for a permit.
func (uc *ChatCompletionUseCase) QueueLength() int64 { return uc.queueLen.Load() }

// CacheSize returns live response-cache entries.
func (uc *ChatCompletionUseCase) CacheSize() int { return uc.cache.Size() }

// EffectiveModel reports the qualified model a request string resolves to:
// default applied, alias expanded.
func (uc *ChatCompletionUseCase) EffectiveModel(model string) string {
	if model == "" {
		model = uc.defaultModel
	}
	return uc.router.ResolveModel(model)
}

// prepare normalizes a request into the form used for both the fingerprint
// and the upstream call: alias resolved, default model applied.
func (uc *ChatCompletionUseCase) prepare(req *entity.ChatRequest) *entity.ChatRequest {
	work := *req
	work.Model = uc.EffectiveModel(work.Model)
	return &work
}

// acquire grants an upstream permit, queueing up to queueCap callers.
// Arrivals beyond the queue cap are refused immediately.
func (uc *ChatCompletionUseCase) acquire(ctx context.Context) error {
	if uc.sem.TryAcquire(1) {
		uc.monitor.SetActiveRequests(uc.active.Add(1))
		return nil
	}

	queued := uc.queueLen.Add(1)
	if queued > uc.queueCap {
		uc.monitor.SetQueueDepth(uc.queueLen.Add(-1))
		return domainErrors.NewRateLimitError("server busy: concurrency limit and queue are full")
	}
	uc.monitor.SetQueueDepth(queued)

	err := uc.sem.Acquire(ctx, 1)
	uc.monitor.SetQueueDepth(uc.queueLen.Add(-1))
	if err != nil {
		return domainErrors.NewTransportErrorWithCause("canceled while queued", err)
	}
	uc.monitor.SetActiveRequests(uc.active.Add(1))
	return nil
}

func (uc *ChatCompletionUseCase) release() {
	uc.sem.Release(1)
	uc.monitor.SetActiveRequests(uc.active.Add(-1))
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

type routedClient struct {
	uc    *ChatCompletionUseCase
	route string
}

func (c routedClient) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	res, err := c.uc.Execute(ctx, req, c.route)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}
