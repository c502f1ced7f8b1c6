// Package hooks provides the engine's lifecycle extension points: a small
// set of named hooks that observe or adjust tool execution and session
// lifecycle events without the core turn loop knowing who, if anyone, is
// listening.
package hooks

import (
	"context"

	"github.com/opencode-core/engine/internal/logging"
)

// StopReason classifies why a session stopped, for the session.stop hook.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonCompact StopReason = "compact"
	StopReasonError   StopReason = "error"
)

// ValidateInput is passed to tool.execute.validate before a tool runs.
type ValidateInput struct {
	Tool      string
	SessionID string
	CallID    string
	Args      []byte
}

// ValidateOutput lets a validator rewrite the tool's arguments or block the
// call outright.
type ValidateOutput struct {
	Args    []byte
	Blocked bool
	Reason  string
}

// TransformInput is passed to tool.result.transform after a tool completes.
type TransformInput struct {
	Tool      string
	SessionID string
	CallID    string
	Title     string
	Output    string
	Metadata  map[string]any
}

// TransformOutput lets a transformer rewrite the tool's recorded result.
type TransformOutput struct {
	Title    string
	Output   string
	Metadata map[string]any
}

// StopInput is passed to session.stop when a session's turn loop exits.
type StopInput struct {
	SessionID string
	Reason    StopReason
}

// StopOutput carries arbitrary metadata a listener wants attached to the
// stop event; the dispatcher does not interpret it.
type StopOutput struct {
	Metadata map[string]any
}

// NotifyInput is passed to notification.send for out-of-band alerts (e.g.
// permission asks, idle sessions).
type NotifyInput struct {
	SessionID string
	Type      string
}

// NotifyOutput is the listener's rendering of the notification.
type NotifyOutput struct {
	Title string
	Body  string
	Data  map[string]any
}

// Validator validates or rewrites a tool call before it executes. Setting
// Blocked=true on the output is the way to refuse a call; a validator that
// returns a non-nil error is logged and ignored, and dispatch continues.
type Validator func(ctx context.Context, in ValidateInput) (ValidateOutput, error)

// Transformer adjusts a tool's recorded result after execution.
type Transformer func(ctx context.Context, in TransformInput) (TransformOutput, error)

// StopListener observes a session's turn loop exiting. Fire-and-forget:
// errors are logged, never surfaced to the caller.
type StopListener func(ctx context.Context, in StopInput) (StopOutput, error)

// NotifyListener renders an async notification. Fire-and-forget: errors are
// logged, never surfaced to the caller.
type NotifyListener func(ctx context.Context, in NotifyInput) (NotifyOutput, error)

// Dispatcher fans lifecycle events out to registered listeners. The zero
// value is ready to use with no listeners registered, in which case every
// hook is a no-op that returns the input unchanged.
type Dispatcher struct {
	validators      []Validator
	transformers    []Transformer
	stopListeners   []StopListener
	notifyListeners []NotifyListener
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// OnValidate registers a tool.execute.validate listener.
func (d *Dispatcher) OnValidate(v Validator) {
	d.validators = append(d.validators, v)
}

// OnTransform registers a tool.result.transform listener.
func (d *Dispatcher) OnTransform(t Transformer) {
	d.transformers = append(d.transformers, t)
}

// OnStop registers a session.stop listener.
func (d *Dispatcher) OnStop(l StopListener) {
	d.stopListeners = append(d.stopListeners, l)
}

// OnNotify registers a notification.send listener.
func (d *Dispatcher) OnNotify(l NotifyListener) {
	d.notifyListeners = append(d.notifyListeners, l)
}

// Validate runs every registered validator in registration order, feeding
// each one's (possibly rewritten) args into the next. The first validator to
// block short-circuits the chain and its reason is returned. A validator
// that errors is logged and skipped — blocking is the only first-class
// failure outcome here, per the hook's contract.
func (d *Dispatcher) Validate(ctx context.Context, in ValidateInput) ValidateOutput {
	out := ValidateOutput{Args: in.Args}
	if d == nil {
		return out
	}
	for _, v := range d.validators {
		next := in
		next.Args = out.Args
		res, err := v(ctx, next)
		if err != nil {
			logging.Warn().Err(err).Str("tool", in.Tool).Msg("tool.execute.validate hook failed, ignoring")
			continue
		}
		if res.Args != nil {
			out.Args = res.Args
		}
		if res.Blocked {
			out.Blocked = true
			out.Reason = res.Reason
			return out
		}
	}
	return out
}

// Transform runs every registered transformer in registration order, each
// one seeing the prior one's output.
func (d *Dispatcher) Transform(ctx context.Context, in TransformInput) TransformOutput {
	out := TransformOutput{Title: in.Title, Output: in.Output, Metadata: in.Metadata}
	if d == nil {
		return out
	}
	for _, t := range d.transformers {
		next := in
		next.Title, next.Output, next.Metadata = out.Title, out.Output, out.Metadata
		res, err := t(ctx, next)
		if err != nil {
			logging.Warn().Err(err).Str("tool", in.Tool).Msg("tool.result.transform hook failed, ignoring")
			continue
		}
		out.Title, out.Output, out.Metadata = res.Title, res.Output, res.Metadata
	}
	return out
}

// Stop fires session.stop at every registered listener. Fire-and-forget:
// listeners run synchronously (the turn loop has already finished by the
// time this is called) but their errors never propagate.
func (d *Dispatcher) Stop(ctx context.Context, in StopInput) {
	if d == nil {
		return
	}
	for _, l := range d.stopListeners {
		if _, err := l(ctx, in); err != nil {
			logging.Warn().Err(err).Str("session", in.SessionID).Str("reason", string(in.Reason)).Msg("session.stop hook failed, ignoring")
		}
	}
}

// Notify fires notification.send at every registered listener.
func (d *Dispatcher) Notify(ctx context.Context, in NotifyInput) {
	if d == nil {
		return
	}
	for _, l := range d.notifyListeners {
		if _, err := l(ctx, in); err != nil {
			logging.Warn().Err(err).Str("session", in.SessionID).Str("type", in.Type).Msg("notification.send hook failed, ignoring")
		}
	}
}
