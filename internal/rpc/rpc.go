// Package rpc implements the command service: a tagged envelope carries
// one typed command, the dispatcher routes it by the last path segment
// of its type URL, and the response returns the typed result together
// with the log messages collected while handling it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/telemetry"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Credentials carry the caller's identity: host is the project id,
// principal is the presented API key.
type Credentials struct {
	Host      string `json:"host,omitempty"`
	Principal string `json:"principal,omitempty"`
}

// RuntimeOptions are caller-supplied per-request knobs. Unknown options
// are ignored.
type RuntimeOptions struct {
	TimeoutSeconds int  `json:"timeoutSeconds,omitempty"`
	DryRun         bool `json:"dryRun,omitempty"`
}

// Envelope is one incoming request. The command object carries an @type
// field whose last path segment selects the handler.
type Envelope struct {
	Command        json.RawMessage `json:"command"`
	Credentials    *Credentials    `json:"credentials,omitempty"`
	RuntimeOptions RuntimeOptions  `json:"runtimeOptions,omitempty"`
}

// Response is the envelope's counterpart: the typed response, when any,
// plus the collected log messages. Status is "OK" or the upper-cased
// error kind; Error carries the message on failure.
type Response struct {
	CommandResponse any                `json:"commandResponse,omitempty"`
	Messages        []types.LogMessage `json:"messages"`
	Status          string             `json:"status"`
	Error           string             `json:"error,omitempty"`
}

// EnvelopeStatus maps an error kind to its envelope status string.
func EnvelopeStatus(k errkind.Kind) string {
	return strings.ToUpper(k.String())
}

// Collector accumulates per-request log messages for the response.
type Collector struct {
	msgs []types.LogMessage
}

func (c *Collector) add(sev types.LogSeverity, format string, args ...any) {
	c.msgs = append(c.msgs, types.LogMessage{Severity: sev, Message: fmt.Sprintf(format, args...)})
}

func (c *Collector) Infof(format string, args ...any)  { c.add(types.LogInfo, format, args...) }
func (c *Collector) Warnf(format string, args ...any)  { c.add(types.LogWarning, format, args...) }
func (c *Collector) Errorf(format string, args ...any) { c.add(types.LogError, format, args...) }
func (c *Collector) Debugf(format string, args ...any) { c.add(types.LogDebug, format, args...) }

// Messages returns the collected messages in order.
func (c *Collector) Messages() []types.LogMessage { return c.msgs }

// Request is what a handler sees: the raw command, the caller identity,
// and the per-request log collector.
type Request struct {
	Name        string
	Command     json.RawMessage
	Credentials *Credentials
	Options     RuntimeOptions
	Log         *Collector
}

// Decode unmarshals the command body into v. The @type tag is part of
// the body and is ignored by struct targets.
func (r *Request) Decode(v any) error {
	if len(r.Command) == 0 {
		return errkind.New(errkind.Invalid, "empty command body")
	}
	if err := json.Unmarshal(r.Command, v); err != nil {
		return errkind.New(errkind.Invalid, "malformed %s: %v", r.Name, err)
	}
	return nil
}

// Key returns the presented API key, or empty.
func (r *Request) Key() string {
	if r.Credentials == nil {
		return ""
	}
	return r.Credentials.Principal
}

// HandlerFunc handles one command and returns its typed response.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Dispatcher routes envelopes to registered handlers. Registration
// happens once at startup; Dispatch is safe for concurrent use.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	metrics  *telemetry.RequestMetrics
	log      *slog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(metrics *telemetry.RequestMetrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		metrics:  metrics,
		log:      log,
	}
}

// Register binds a command name to its handler. Duplicate registration
// is a programming error and panics at startup.
func (d *Dispatcher) Register(name string, h HandlerFunc) {
	if _, dup := d.handlers[name]; dup {
		panic(fmt.Sprintf("rpc: duplicate handler %q", name))
	}
	d.handlers[name] = h
}

// Commands returns the registered command names, for diagnostics.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// CommandName extracts the handler name from a command body: the last
// path segment of its @type URL.
func CommandName(command json.RawMessage) (string, error) {
	var tag struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(command, &tag); err != nil {
		return "", errkind.New(errkind.Invalid, "malformed command: %v", err)
	}
	if tag.Type == "" {
		return "", errkind.New(errkind.Invalid, "command is missing @type")
	}
	if i := strings.LastIndex(tag.Type, "/"); i >= 0 {
		return tag.Type[i+1:], nil
	}
	return tag.Type, nil
}

// Dispatch routes one envelope and always returns a response. A handler
// panic is logged with its stack and surfaced as an internal error.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) *Response {
	col := &Collector{}

	name, err := CommandName(env.Command)
	if err != nil {
		return d.fail(col, "unknown", err)
	}
	handler, ok := d.handlers[name]
	if !ok {
		return d.fail(col, name, errkind.New(errkind.Unimplemented, "unknown command %q", name))
	}

	done := d.metrics.Begin(ctx, name)
	req := &Request{
		Name:        name,
		Command:     env.Command,
		Credentials: env.Credentials,
		Options:     env.RuntimeOptions,
		Log:         col,
	}

	resp, err := func() (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("command handler panicked",
					"command", name, "panic", r, "stack", string(debug.Stack()))
				err = errkind.New(errkind.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}()
	if err != nil {
		done(errkind.Of(err).String())
		return d.fail(col, name, err)
	}
	done("ok")
	return &Response{
		CommandResponse: resp,
		Messages:        col.Messages(),
		Status:          "OK",
	}
}

func (d *Dispatcher) fail(col *Collector, name string, err error) *Response {
	kind := errkind.Of(err)
	if kind == errkind.Internal {
		d.log.Error("command failed", "command", name, "error", err)
	} else {
		d.log.Info("command rejected", "command", name, "kind", kind.String(), "error", err)
	}
	return &Response{
		Messages: col.Messages(),
		Status:   EnvelopeStatus(kind),
		Error:    err.Error(),
	}
}
