package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// HardwareDelta is one immutable snapshot of the device cost of a test run.
// A nil field means the backend did not report it.
type HardwareDelta struct {
	LaunchTimeMs    *float64 `json:"launch_time_ms,omitempty"`
	CPUBefore       *string  `json:"cpu_before,omitempty"`
	CPUAfter        *string  `json:"cpu_after,omitempty"`
	RAMBeforeMB     *float64 `json:"ram_before_MB,omitempty"`
	RAMAfterMB      *float64 `json:"ram_after_MB,omitempty"`
	RAMDiffMB       *float64 `json:"ram_diff_MB,omitempty"`
	BatteryBefore   *string  `json:"battery_before,omitempty"`
	BatteryAfter    *string  `json:"battery_after,omitempty"`
	BatteryDrainMAh *float64 `json:"battery_drain_mAh,omitempty"`
}

type wireDelta struct {
	LaunchTimeMs    *float64    `json:"launch_time_ms"`
	CPUBefore       *flexString `json:"cpu_before"`
	CPUAfter        *flexString `json:"cpu_after"`
	RAMBeforeMB     *float64    `json:"ram_before_MB"`
	RAMAfterMB      *float64    `json:"ram_after_MB"`
	RAMDiffMB       *float64    `json:"ram_diff_MB"`
	BatteryBefore   *flexString `json:"battery_before"`
	BatteryAfter    *flexString `json:"battery_after"`
	BatteryDrainMAh *float64    `json:"battery_drain_mAh"`
}

// flexString accepts a JSON string or number; the backend reports battery
// levels as integers and CPU load as strings.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

func (s *flexString) ptr() *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// DecodeHardwareDelta decodes a /hardware-delta body. Every key is optional.
func DecodeHardwareDelta(raw []byte) (HardwareDelta, error) {
	var w wireDelta
	if err := json.Unmarshal(raw, &w); err != nil {
		return HardwareDelta{}, fmt.Errorf("decode hardware delta: %w", err)
	}
	return HardwareDelta{
		LaunchTimeMs:    w.LaunchTimeMs,
		CPUBefore:       w.CPUBefore.ptr(),
		CPUAfter:        w.CPUAfter.ptr(),
		RAMBeforeMB:     w.RAMBeforeMB,
		RAMAfterMB:      w.RAMAfterMB,
		RAMDiffMB:       w.RAMDiffMB,
		BatteryBefore:   w.BatteryBefore.ptr(),
		BatteryAfter:    w.BatteryAfter.ptr(),
		BatteryDrainMAh: w.BatteryDrainMAh,
	}, nil
}

// LaunchTime falls back to 0 when the backend omitted launch_time_ms.
func (d HardwareDelta) LaunchTime() float64 {
	if d.LaunchTimeMs == nil {
		return 0
	}
	return *d.LaunchTimeMs
}

// Clone returns a deep copy so callers can never mutate a stored snapshot.
func (d HardwareDelta) Clone() HardwareDelta {
	return HardwareDelta{
		LaunchTimeMs:    cloneFloat(d.LaunchTimeMs),
		CPUBefore:       cloneString(d.CPUBefore),
		CPUAfter:        cloneString(d.CPUAfter),
		RAMBeforeMB:     cloneFloat(d.RAMBeforeMB),
		RAMAfterMB:      cloneFloat(d.RAMAfterMB),
		RAMDiffMB:       cloneFloat(d.RAMDiffMB),
		BatteryBefore:   cloneString(d.BatteryBefore),
		BatteryAfter:    cloneString(d.BatteryAfter),
		BatteryDrainMAh: cloneFloat(d.BatteryDrainMAh),
	}
}

func Float(v float64) *float64 { return &v }

func String(v string) *string { return &v }

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
