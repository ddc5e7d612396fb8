package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lakeforge/internal/metrics"
)

// ErrEmptyReply is returned for a 200 response without any text. It is retried
// like a server error: free-tier models occasionally answer with nothing.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Reply is the normalized result of one successful Invoke.
type Reply struct {
	Text  string
	Model string
	Usage Usage
	// Cost is the call cost in USD as reported by the backend (0 when unknown).
	Cost float64
}

// Invoker is what pipeline stages depend on. Gateway implements it; tests
// substitute canned replies.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (Reply, error)
}

// ExhaustedError means every model in the fallback list used up its attempts.
type ExhaustedError struct {
	Models []string
	Last   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("model unreachable: %d model(s) exhausted [%s]: %v",
		len(e.Models), strings.Join(e.Models, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Options configures a Gateway.
type Options struct {
	// Models is the ordered fallback list; the first entry is preferred.
	Models []string
	// MaxAttempts per model, including the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Temperature float64
	MaxTokens   int

	// sleep is overridden in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

const (
	DefaultModel       = "openrouter/free"
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 20 * time.Second
)

func (o Options) withDefaults() Options {
	models := make([]string, 0, len(o.Models))
	for _, m := range o.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		models = []string{DefaultModel}
	}
	o.Models = models
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	return o
}

// Gateway is the single point of outbound model calls. It is safe for
// concurrent use by independent sessions.
type Gateway struct {
	client Client
	opts   Options
}

func NewGateway(client Client, opts Options) *Gateway {
	return &Gateway{client: client, opts: opts.withDefaults()}
}

// Models returns the fallback list in order.
func (g *Gateway) Models() []string {
	return append([]string(nil), g.opts.Models...)
}

// Invoke sends prompt as a single user message.
//
// Per model, rate limits (429), server errors (5xx), transport failures and
// empty replies are retried up to MaxAttempts with exponential backoff, then
// the next model is tried. Any other API error is returned immediately, as is
// a cancelled context. When every model is spent the result is *ExhaustedError.
func (g *Gateway) Invoke(ctx context.Context, prompt string) (Reply, error) {
	var last error
	for _, model := range g.opts.Models {
		log := zap.L().With(zap.String("model", model))
		for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
			reply, status, err := g.call(ctx, model, prompt)
			if err == nil {
				return reply, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Reply{}, ctxErr
			}

			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				log.Error("model call rejected", zap.Int("status", apiErr.StatusCode), zap.Error(err))
				return Reply{}, err
			}
			last = err

			if attempt == g.opts.MaxAttempts {
				log.Warn("model attempts exhausted, falling back",
					zap.Int("attempts", attempt), zap.String("status", status), zap.Error(err))
				break
			}

			wait := nextRetryDelay(err, attempt, g.opts.BaseDelay, g.opts.MaxDelay)
			log.Warn("model call failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("status", status),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			if !g.opts.sleep(ctx, wait) {
				return Reply{}, ctx.Err()
			}
		}
	}

	exhausted := &ExhaustedError{Models: g.Models(), Last: last}
	zap.L().Error("all models exhausted", zap.Strings("models", exhausted.Models), zap.Error(last))
	return Reply{}, exhausted
}

// call performs one attempt and reports it to metrics. status is the metric
// label: the HTTP status, "empty" or "error".
func (g *Gateway) call(ctx context.Context, model, prompt string) (Reply, string, error) {
	start := time.Now()
	resp, err := g.client.Chat(ctx, Request{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
		Usage:       &UsageOpt{Include: true},
	})
	elapsed := time.Since(start)

	if err != nil {
		status := "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
		metrics.RecordLLM(model, status, elapsed)
		return Reply{}, status, err
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		metrics.RecordLLM(model, "empty", elapsed)
		return Reply{}, "empty", ErrEmptyReply
	}
	metrics.RecordLLM(model, "200", elapsed)

	used := model
	if resp.Model != "" {
		used = resp.Model
	}
	return Reply{Text: text, Model: used, Usage: resp.Usage, Cost: resp.Usage.Cost}, "200", nil
}

// nextRetryDelay is base * 2^(attempt-1) clamped to max. A 429 carrying
// Retry-After waits as instructed, still clamped to max.
func nextRetryDelay(err error, attempt int, base, max time.Duration) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > max {
			return max
		}
		return apiErr.RetryAfter
	}

	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
