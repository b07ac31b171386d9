package llm

import (
	"context"
	"errors"
	"time"

	"github.com/scribehq/scribed/internal/events"
)

// ErrorKind classifies invocation failures so callers can distinguish
// deadline expiry from caller cancellation and pool saturation.
type ErrorKind string

const (
	ErrKindNone      ErrorKind = ""
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindCancelled ErrorKind = "cancelled"
	ErrKindAcquire   ErrorKind = "acquire-timeout"
	ErrKindTransport ErrorKind = "transport"
)

// InvokeOptions tunes a single invocation.
type InvokeOptions struct {
	// Phase labels the invocation in llm.call events, e.g. "analyze".
	Phase string
	// Model names a registry provider; empty means the default.
	Model string
	// Timeout bounds the model call itself, not the pool acquire.
	// Zero means no deadline.
	Timeout time.Duration
	// AcquireTimeout bounds waiting for a pool session. Negative means
	// the pool default.
	AcquireTimeout time.Duration
	// OnChunk enables streaming; partial text arrives in order and the
	// final response is the concatenation of all chunks.
	OnChunk func(string)
	// Session bypasses the pool when set. The caller keeps ownership.
	Session Session
	// ProcessID tags published events with the owning process.
	ProcessID string
}

// InvokeResult is the outcome of one invocation. Err is set iff Success
// is false.
type InvokeResult struct {
	Success    bool
	Response   string
	Err        error
	Kind       ErrorKind
	TokenUsage TokenUsage
	Duration   time.Duration
}

// Invoker runs prompts against pooled sessions and publishes llm.call and
// stream.chunk events.
type Invoker struct {
	pool *Pool
	bus  *events.Bus
}

func NewInvoker(pool *Pool, bus *events.Bus) *Invoker {
	return &Invoker{pool: pool, bus: bus}
}

// Invoke acquires a session, sends the prompt, and releases the session.
// It never panics the caller on model failure; all outcomes land in the
// result.
func (inv *Invoker) Invoke(ctx context.Context, prompt string, opts InvokeOptions) InvokeResult {
	started := time.Now()

	session := opts.Session
	if session == nil {
		acquireTimeout := opts.AcquireTimeout
		if acquireTimeout == 0 {
			acquireTimeout = -1
		}
		s, err := inv.pool.Acquire(ctx, acquireTimeout)
		if err != nil {
			return inv.finish(InvokeResult{
				Err:      err,
				Kind:     classifyAcquire(err),
				Duration: time.Since(started),
			}, opts)
		}
		session = s
		defer inv.pool.Release(s)
	}

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var response string
	var err error
	if opts.OnChunk != nil {
		idx := 0
		response, err = session.SendStreaming(callCtx, prompt, func(text string) {
			opts.OnChunk(text)
			inv.publishChunk(opts, text, idx)
			idx++
		})
	} else {
		response, err = session.SendAndWait(callCtx, prompt)
	}

	result := InvokeResult{
		Response:   response,
		TokenUsage: session.LastUsage(),
		Duration:   time.Since(started),
	}
	if err != nil {
		result.Err = err
		result.Kind = classifyCall(callCtx, ctx, err)
	} else {
		result.Success = true
	}
	return inv.finish(result, opts)
}

func classifyAcquire(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAcquireTimeout):
		return ErrKindAcquire
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	default:
		return ErrKindTransport
	}
}

func classifyCall(callCtx, parent context.Context, err error) ErrorKind {
	switch {
	case parent.Err() == context.Canceled:
		return ErrKindCancelled
	case callCtx.Err() == context.DeadlineExceeded, errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindCancelled
	default:
		return ErrKindTransport
	}
}

func (inv *Invoker) publishChunk(opts InvokeOptions, text string, idx int) {
	if inv.bus == nil {
		return
	}
	inv.bus.Publish(events.NewTypedEventForProcess(events.SourcePool, events.StreamChunkPayload{
		Text:  text,
		Index: idx,
	}, opts.ProcessID))
}

func (inv *Invoker) finish(result InvokeResult, opts InvokeOptions) InvokeResult {
	if inv.bus != nil {
		payload := events.LLMCallPayload{
			Phase:        opts.Phase,
			Model:        opts.Model,
			TokensInput:  result.TokenUsage.Input,
			TokensOutput: result.TokenUsage.Output,
			DurationMS:   result.Duration.Milliseconds(),
		}
		if result.Err != nil {
			payload.Error = result.Err.Error()
		}
		inv.bus.Publish(events.NewTypedEventForProcess(events.SourcePool, payload, opts.ProcessID))
	}
	return result
}
