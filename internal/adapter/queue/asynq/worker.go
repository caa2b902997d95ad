package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	obsctx "github.com/fairyhunter13/ai-tool-platform/internal/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
	"github.com/fairyhunter13/ai-tool-platform/pkg/sanitize"
)

// UsageExporter mirrors usage rows to an external sink (e.g. Kafka).
// Implementations are best-effort.
type UsageExporter interface {
	Export(ctx context.Context, u domain.UsageLog)
}

// PoolDeps are the collaborators a worker pool needs.
type PoolDeps struct {
	Tasks       domain.TaskRepository
	Ledger      domain.LedgerRepository
	Bus         domain.ProgressPublisher
	Registry    *tool.Registry
	Artifacts   domain.ArtifactStore
	Credentials domain.CredentialSource
	Env         string
	SignTTL     time.Duration
	// Export is optional.
	Export UsageExporter
}

// Pool pulls jobs from the prefix-scoped queues and executes tool handlers
// under the progress/failure envelope. Lease renewal for long provider polls
// is handled by asynq's heartbeat; a job whose worker dies becomes visible
// again after its lease expires.
type Pool struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	deps   PoolDeps
}

// NewPool builds a pool serving the given queue names under the prefix. Each
// named queue gets equal weight; workers pump up to concurrency jobs across
// all queues.
func NewPool(redisURL, prefix string, queueNames []string, concurrency int, shutdownTimeout time.Duration, deps PoolDeps) (*Pool, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	queues := map[string]int{}
	for _, name := range queueNames {
		queues[domain.QueueName(prefix, name)] = 1
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     concurrency,
		Queues:          queues,
		RetryDelayFunc:  RetryDelay,
		ShutdownTimeout: shutdownTimeout,
	})
	p := &Pool{server: srv, mux: asynq.NewServeMux(), deps: deps}
	p.mux.HandleFunc(TypeToolTask, p.handle)
	return p, nil
}

// Run blocks processing jobs until Shutdown is called.
func (p *Pool) Run() error { return p.server.Run(p.mux) }

// Start begins processing without blocking.
func (p *Pool) Start() error { return p.server.Start(p.mux) }

// Shutdown stops reserving new jobs and waits for in-flight handlers up to the
// configured shutdown timeout.
func (p *Pool) Shutdown() { p.server.Shutdown() }

func (p *Pool) handle(ctx context.Context, t *asynq.Task) error {
	tracer := otel.Tracer("queue.worker")
	ctx, span := tracer.Start(ctx, "ToolTask")
	defer span.End()

	var payload domain.TaskJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// Malformed payloads can never succeed; archive for the operator.
		return fmt.Errorf("op=worker.decode: %w: %v", asynq.SkipRetry, err)
	}
	queueName, _ := asynq.GetQueueName(ctx)
	attempt, _ := asynq.GetRetryCount(ctx)
	attempt++ // retry count is 0 on the first attempt
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("task_id", payload.TaskID),
		slog.String("tool", payload.ToolSlug),
		slog.String("queue", queueName),
		slog.Int("attempt", attempt),
	)
	if payload.RequestID != "" {
		// Correlate with the intake request that enqueued the job.
		lg = lg.With(slog.String("request_id", payload.RequestID))
	}

	handler, ok := p.deps.Registry.Lookup(payload.ToolSlug)
	if !ok {
		// No number of retries resolves a missing handler: terminal-fail the
		// task and ack the job.
		lg.Error("no handler registered for tool")
		p.finishFailed(ctx, payload, attempt, 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedTool, payload.ToolSlug), time.Time{}, false)
		return nil
	}

	task, err := p.deps.Tasks.MarkProcessing(ctx, payload.TaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=worker.mark_processing: %w", err)
	}
	if task.Status.Terminal() {
		// Duplicate delivery after completion; terminal states are absorbing.
		lg.Info("task already terminal, acking duplicate job", slog.String("status", string(task.Status)))
		return nil
	}
	started := time.Now()
	p.publish(ctx, payload, domain.TaskProcessing, 0, nil, "")
	observability.StartProcessingTask(payload.ToolSlug)

	sink := &progressSink{pool: p, payload: payload, ctx: ctx}
	tc := &tool.Context{
		TaskID:      payload.TaskID,
		OwnerKind:   payload.OwnerKind,
		OwnerID:     payload.OwnerID,
		ToolID:      payload.ToolID,
		ToolSlug:    payload.ToolSlug,
		Attempt:     attempt,
		Env:         p.deps.Env,
		InputParams: payload.InputParams,
		Config:      payload.ToolConfig,
		PriceConfig: payload.PriceConfig,
		SignTTL:     p.deps.SignTTL,
		Progress:    sink.report,
		Artifacts:   p.deps.Artifacts,
		Credentials: p.deps.Credentials,
		Responses:   &responseRecorder{ledger: p.deps.Ledger},
	}

	out, err := handler.Run(ctx, tc)
	elapsed := time.Since(started)
	if err != nil {
		fatal := domain.IsFatal(err)
		final := fatal || attempt > maxRetry
		lg.Error("handler failed",
			slog.Any("error", err),
			slog.Bool("fatal", fatal),
			slog.Bool("final", final))
		if !final {
			// Transient and attempts remain: leave the task processing and let
			// the broker re-deliver with backoff.
			return fmt.Errorf("op=worker.handle: %w", err)
		}
		p.finishFailed(ctx, payload, attempt, sink.last(), err, started, tc.ProviderReached)
		observability.CompleteTask(payload.ToolSlug, string(domain.TaskFailed))
		if fatal {
			// Fatal configuration errors are terminal without DLQ routing.
			return nil
		}
		observability.DeadLetterTask(queueName)
		// Returning the error on the last attempt lets asynq archive the job,
		// which is the queue's dead-letter store.
		return fmt.Errorf("op=worker.handle: %w", err)
	}

	outJSON, err := json.Marshal(out.OutputData)
	if err != nil {
		return fmt.Errorf("op=worker.encode_output: %w", err)
	}
	// Output data must be durable before the terminal publish.
	if err := p.deps.Tasks.MarkSuccess(ctx, payload.TaskID, outJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=worker.mark_success: %w", err)
	}
	p.publish(ctx, payload, domain.TaskSuccess, 100, outJSON, "")
	p.writeUsage(ctx, payload, out.Usage, elapsed, domain.TaskSuccess)
	observability.CompleteTask(payload.ToolSlug, string(domain.TaskSuccess))
	lg.Info("task completed", slog.Duration("elapsed", elapsed))
	return nil
}

// finishFailed records the terminal failure and publishes it. startedAt may be
// zero when the handler never ran; reached reports whether the attempt issued
// a provider call, the only case that ledgers usage.
func (p *Pool) finishFailed(ctx context.Context, payload domain.TaskJobPayload, attempt, lastPct int, cause error, startedAt time.Time, reached bool) {
	if err := p.deps.Tasks.MarkFailed(ctx, payload.TaskID, cause.Error(), attempt, time.Now().UTC()); err != nil {
		slog.Error("mark failed errored", slog.String("task_id", payload.TaskID), slog.Any("error", err))
	}
	p.publish(ctx, payload, domain.TaskFailed, lastPct, nil, cause.Error())
	if reached {
		p.writeUsage(ctx, payload, tool.UsageData{}, time.Since(startedAt), domain.TaskFailed)
	}
}

func (p *Pool) publish(ctx context.Context, payload domain.TaskJobPayload, status domain.TaskStatus, pct int, output json.RawMessage, errMsg string) {
	u := domain.ProgressUpdate{
		TaskID:     payload.TaskID,
		OwnerID:    payload.OwnerID,
		Status:     status,
		Progress:   domain.ClampProgress(pct),
		OutputData: output,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	}
	if err := p.deps.Bus.Publish(ctx, u); err != nil {
		slog.Error("progress publish failed", slog.String("task_id", payload.TaskID), slog.Any("error", err))
	}
}

// writeUsage appends the usage row; failures are logged, never fatal.
func (p *Pool) writeUsage(ctx context.Context, payload domain.TaskJobPayload, usage tool.UsageData, elapsed time.Duration, status domain.TaskStatus) {
	provider := usage.Provider
	model := usage.Model
	if provider == "" && len(payload.ToolConfig.Steps) > 0 {
		provider = payload.ToolConfig.Steps[0].Provider
		model = payload.ToolConfig.Steps[0].Model
	}
	var usageJSON json.RawMessage
	if usage.Extra != nil {
		usageJSON, _ = json.Marshal(usage.Extra)
	}
	u := domain.UsageLog{
		TaskID:       payload.TaskID,
		OwnerID:      payload.OwnerID,
		ProviderSlug: provider,
		ToolID:       payload.ToolID,
		ModelName:    model,
		ModelVersion: usage.ModelVersion,
		PriceConfig:  payload.PriceConfig,
		UsageData:    usageJSON,
		LatencyMs:    elapsed.Milliseconds(),
		Status:       status,
	}
	if err := p.deps.Ledger.AppendUsage(ctx, u); err != nil {
		slog.Error("usage ledger write failed", slog.String("task_id", payload.TaskID), slog.Any("error", err))
	}
	if p.deps.Export != nil {
		p.deps.Export.Export(ctx, u)
	}
}

// progressSink clamps and monotonically orders handler progress reports, then
// persists and publishes them.
type progressSink struct {
	pool    *Pool
	payload domain.TaskJobPayload
	ctx     context.Context
	lastPct int
}

func (s *progressSink) report(pct int) {
	pct = domain.ClampProgress(pct)
	if pct <= s.lastPct {
		// Regressions are ignored; progress is monotone within an attempt.
		return
	}
	// Terminal 100 is reserved for the success transition.
	if pct > 99 {
		pct = 99
	}
	s.lastPct = pct
	if err := s.pool.deps.Tasks.UpdateProgress(s.ctx, s.payload.TaskID, pct); err != nil {
		slog.Error("progress persist failed", slog.String("task_id", s.payload.TaskID), slog.Any("error", err))
	}
	s.pool.publish(s.ctx, s.payload, domain.TaskProcessing, pct, nil, "")
}

func (s *progressSink) last() int { return s.lastPct }

// responseRecorder sanitizes and appends provider call records.
type responseRecorder struct{ ledger domain.LedgerRepository }

func (r *responseRecorder) Record(ctx context.Context, resp domain.TaskResponse) {
	resp.RawRequest = sanitize.JSON(resp.RawRequest)
	resp.RawResponse = sanitize.JSON(resp.RawResponse)
	if err := r.ledger.AppendResponse(ctx, resp); err != nil {
		slog.Error("response ledger write failed", slog.String("task_id", resp.TaskID), slog.Any("error", err))
	}
}
