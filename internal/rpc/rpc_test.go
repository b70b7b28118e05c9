package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/telemetry"
	"github.com/duckhouse/duckhouse/internal/types"
)

func newDispatcher() *Dispatcher {
	return NewDispatcher(telemetry.NewRequestMetrics(), slog.New(slog.DiscardHandler))
}

func TestCommandName(t *testing.T) {
	cases := []struct {
		raw     string
		name    string
		wantErr bool
	}{
		{`{"@type":"type.googleapis.com/duckhouse.v1.CreateTableCommand"}`, "CreateTableCommand", false},
		{`{"@type":"CreateTableCommand"}`, "CreateTableCommand", false},
		{`{"@type":""}`, "", true},
		{`{}`, "", true},
		{`not json`, "", true},
	}
	for _, tc := range cases {
		name, err := CommandName(json.RawMessage(tc.raw))
		if tc.wantErr {
			assert.Equal(t, errkind.Invalid, errkind.Of(err), tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.name, name)
	}
}

func TestDispatchRouting(t *testing.T) {
	d := newDispatcher()
	d.Register("PingCommand", func(ctx context.Context, req *Request) (any, error) {
		req.Log.Infof("pong")
		return map[string]string{"reply": "pong"}, nil
	})

	resp := d.Dispatch(context.Background(), &Envelope{
		Command: json.RawMessage(`{"@type":"x/PingCommand"}`),
	})
	assert.Equal(t, "OK", resp.Status)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, types.LogInfo, resp.Messages[0].Severity)

	unknown := d.Dispatch(context.Background(), &Envelope{
		Command: json.RawMessage(`{"@type":"x/NopeCommand"}`),
	})
	assert.Equal(t, "UNIMPLEMENTED", unknown.Status)
	assert.Contains(t, unknown.Error, "NopeCommand")
}

func TestDispatchErrorMapping(t *testing.T) {
	d := newDispatcher()
	d.Register("FailCommand", func(ctx context.Context, req *Request) (any, error) {
		return nil, errkind.New(errkind.NotFound, "no such thing")
	})
	d.Register("PanicCommand", func(ctx context.Context, req *Request) (any, error) {
		panic("boom")
	})

	resp := d.Dispatch(context.Background(), &Envelope{
		Command: json.RawMessage(`{"@type":"x/FailCommand"}`),
	})
	assert.Equal(t, "NOT_FOUND", resp.Status)
	assert.Equal(t, "no such thing", resp.Error)

	// A panicking handler is contained and surfaces as internal.
	resp = d.Dispatch(context.Background(), &Envelope{
		Command: json.RawMessage(`{"@type":"x/PanicCommand"}`),
	})
	assert.Equal(t, "INTERNAL", resp.Status)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	d := newDispatcher()
	d.Register("PingCommand", func(ctx context.Context, req *Request) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		d.Register("PingCommand", func(ctx context.Context, req *Request) (any, error) { return nil, nil })
	})
}

func TestEnvelopeStatus(t *testing.T) {
	assert.Equal(t, "INVALID_ARGUMENT", EnvelopeStatus(errkind.Invalid))
	assert.Equal(t, "NOT_FOUND", EnvelopeStatus(errkind.NotFound))
	assert.Equal(t, "UNIMPLEMENTED", EnvelopeStatus(errkind.Unimplemented))
	assert.Equal(t, "INTERNAL", EnvelopeStatus(errkind.Internal))
}
