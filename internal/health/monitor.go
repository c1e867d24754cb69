package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/state"
	"github.com/g960059/devicebench/internal/transport"
)

const (
	ConnectedPrefix   = "✅ Backend Connected\n\n"
	UnreachableOutput = "❌ Cannot reach backend. Please ensure the backend server is running."
)

// Report is the /health body of the device backend.
type Report struct {
	Status         string `json:"status"`
	PhoneConnected bool   `json:"phone_connected"`
	PhoneBusy      bool   `json:"phone_busy"`
}

// Next returns the status after a probe result. Only connecting moves; connected and
// disconnected are terminal for the session.
func Next(current state.ConnectionStatus, success bool) state.ConnectionStatus {
	if current != state.StatusConnecting && current != "" {
		return current
	}
	if success {
		return state.StatusConnected
	}
	return state.StatusDisconnected
}

type Monitor struct {
	state  *state.State
	sender transport.Sender
	logger *slog.Logger

	once   sync.Once
	mu     sync.Mutex
	report *Report
	err    error
}

func NewMonitor(st *state.State, sender transport.Sender, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{state: st, sender: sender, logger: logger}
}

// Probe checks /health once and settles the connection status. Later calls return
// the settled status without touching the network.
func (m *Monitor) Probe(ctx context.Context) state.ConnectionStatus {
	m.once.Do(func() {
		m.probe(ctx)
	})
	return m.state.Status()
}

func (m *Monitor) probe(ctx context.Context) {
	resp, err := m.send(ctx)
	var output string
	if err == nil {
		output, err = transport.Indent(resp.JSON)
	}
	next := Next(m.state.Status(), err == nil)
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	if err != nil {
		m.state.SetOutput(UnreachableOutput)
		m.state.SettleStatus(next)
		m.logger.Warn("backend unreachable", "endpoint", model.EndpointHealth, "err", err)
		return
	}

	var report Report
	if decodeErr := json.Unmarshal(resp.JSON, &report); decodeErr == nil {
		m.mu.Lock()
		m.report = &report
		m.mu.Unlock()
	} else {
		m.logger.Debug("health body not a device report", "err", decodeErr)
	}
	m.state.SetOutput(ConnectedPrefix + output)
	m.state.SettleStatus(next)
	m.logger.Info("backend connected", "status", report.Status, "phone_connected", report.PhoneConnected)
}

func (m *Monitor) send(ctx context.Context) (resp *transport.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp, err = nil, &transport.NetworkError{Endpoint: model.EndpointHealth, Err: fmt.Errorf("health probe panic: %v", p)}
		}
	}()
	return m.sender.Send(ctx, transport.Request{
		Method:   http.MethodGet,
		Endpoint: model.EndpointHealth,
		Mode:     transport.ModeJSON,
	})
}

// Report returns the decoded /health body when the probe succeeded with one.
func (m *Monitor) Report() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.report == nil {
		return Report{}, false
	}
	return *m.report, true
}

// Err returns the probe failure, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
