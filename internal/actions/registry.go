package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/devicebench/internal/metrics"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/notify"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/transport"
)

var (
	ErrBusy          = state.ErrBusy
	ErrDisconnected  = state.ErrDisconnected
	ErrUnknownAction = errors.New("unknown action")
)

// Journal persists settled runs. Write failures are logged and never reach the caller.
type Journal interface {
	RecordActionRun(ctx context.Context, run model.ActionRun) error
}

type Options struct {
	Notifier  notify.Sink
	Journal   Journal
	Logger    *slog.Logger
	Endpoints map[string]string
	Now       func() time.Time
}

type Registry struct {
	state     *state.State
	sender    transport.Sender
	notifier  notify.Sink
	journal   Journal
	logger    *slog.Logger
	endpoints map[string]string
	now       func() time.Time
}

func NewRegistry(st *state.State, sender transport.Sender, opts Options) *Registry {
	r := &Registry{
		state:     st,
		sender:    sender,
		notifier:  opts.Notifier,
		journal:   opts.Journal,
		logger:    opts.Logger,
		endpoints: opts.Endpoints,
		now:       opts.Now,
	}
	if r.notifier == nil {
		r.notifier = notify.Discard{}
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.endpoints == nil {
		r.endpoints = model.ActionEndpoints
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Actions lists the registered action names in stable order.
func (r *Registry) Actions() []string {
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one single-call action to settlement. The returned error is non-nil only
// when the invocation was rejected before any request was issued; a failed request is
// reported through the run's Outcome.
func (r *Registry) Invoke(ctx context.Context, action string) (model.ActionRun, error) {
	endpoint, ok := r.endpoints[action]
	if !ok {
		return model.ActionRun{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err := r.state.Acquire(action); err != nil {
		r.logger.Debug("action rejected", "action", action, "err", err)
		return model.ActionRun{}, err
	}
	defer r.state.Release(action)

	// In-flight requests always run to completion.
	ctx = context.WithoutCancel(ctx)
	run := model.ActionRun{
		RunID:     uuid.NewString(),
		Action:    action,
		Endpoint:  endpoint,
		StartedAt: r.now(),
	}
	r.logger.Info("action started", "action", action, "endpoint", endpoint, "run_id", run.RunID)

	raw, err := r.fetch(ctx, endpoint)
	if err == nil {
		run.Output, err = transport.Indent(raw)
	}
	run.SettledAt = r.now()
	if err != nil {
		run.Outcome = model.OutcomeFailure
		run.Message = err.Error()
		run.Output = "Error: " + err.Error()
		r.state.SetOutput(run.Output)
		r.notifier.Notify(notify.Failure(action, action+" Failed", run.Message))
		r.logger.Warn("action failed", "action", action, "run_id", run.RunID, "err", err)
	} else {
		if action == model.ActionMetrics {
			r.storeDeviceMetrics(raw)
		}
		run.Outcome = model.OutcomeSuccess
		run.Message = "Request completed successfully"
		r.state.SetOutput(run.Output)
		r.notifier.Notify(notify.Success(action, action+" Successful", run.Message))
		r.logger.Info("action settled", "action", action, "run_id", run.RunID, "duration", run.Duration())
	}
	r.record(ctx, run)
	return run, nil
}

func (r *Registry) fetch(ctx context.Context, endpoint string) (raw json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	resp, err := r.sender.Send(ctx, transport.Request{
		Method:   http.MethodGet,
		Endpoint: endpoint,
		Mode:     transport.ModeJSON,
	})
	if err != nil {
		return nil, err
	}
	return resp.JSON, nil
}

func (r *Registry) storeDeviceMetrics(raw json.RawMessage) {
	m, err := metrics.DecodeDeviceMetrics(raw)
	if err != nil {
		r.logger.Warn("metrics body not decodable", "err", err)
		return
	}
	r.state.SetDeviceMetrics(m)
}

func (r *Registry) record(ctx context.Context, run model.ActionRun) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordActionRun(ctx, run); err != nil {
		r.logger.Error("journal action run", "run_id", run.RunID, "err", err)
	}
}
