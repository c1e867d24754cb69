package metrics

import (
	"encoding/json"
	"fmt"
)

const (
	NoData          = "N/A"
	NoDataAvailable = "No data available"
)

// View is the display form of a HardwareDelta. Zero and missing numeric
// readings both render as NoData, except battery drain where zero is a
// real measurement.
type View struct {
	LaunchTime    string
	CPUBefore     string
	CPUAfter      string
	RAMBefore     string
	RAMAfter      string
	RAMDiff       string
	BatteryBefore string
	BatteryAfter  string
	BatteryDrain  string
}

func (d HardwareDelta) View() View {
	return View{
		LaunchTime:    unitOrNoData(d.LaunchTimeMs, "ms"),
		CPUBefore:     textOrNoData(d.CPUBefore, NoData),
		CPUAfter:      textOrNoData(d.CPUAfter, NoData),
		RAMBefore:     unitOrNoData(d.RAMBeforeMB, "MB"),
		RAMAfter:      unitOrNoData(d.RAMAfterMB, "MB"),
		RAMDiff:       unitOrNoData(d.RAMDiffMB, "MB"),
		BatteryBefore: textOrNoData(d.BatteryBefore, NoData),
		BatteryAfter:  textOrNoData(d.BatteryAfter, NoData),
		BatteryDrain:  drain(d.BatteryDrainMAh),
	}
}

// Summary holds the headline readings derived from the latest run.
type Summary struct {
	LaunchTimeMs float64
	CPU          string
	Memory       string
	BatteryLevel string
}

func (d HardwareDelta) Summary() Summary {
	return Summary{
		LaunchTimeMs: d.LaunchTime(),
		CPU:          textOrNoData(d.CPUAfter, NoDataAvailable),
		Memory:       unitOr(d.RAMAfterMB, "MB", NoDataAvailable),
		BatteryLevel: textOrNoData(d.BatteryAfter, NoData),
	}
}

// DeviceMetrics is the /metrics body.
type DeviceMetrics struct {
	Battery string `json:"battery"`
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
}

func DecodeDeviceMetrics(raw []byte) (DeviceMetrics, error) {
	var w struct {
		Battery *flexString `json:"battery"`
		CPU     *flexString `json:"cpu"`
		Memory  *flexString `json:"memory"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return DeviceMetrics{}, fmt.Errorf("decode device metrics: %w", err)
	}
	return DeviceMetrics{
		Battery: textOrNoData(w.Battery.ptr(), NoData),
		CPU:     textOrNoData(w.CPU.ptr(), NoData),
		Memory:  textOrNoData(w.Memory.ptr(), NoData),
	}, nil
}

func textOrNoData(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func unitOrNoData(v *float64, unit string) string {
	return unitOr(v, unit, NoData)
}

func unitOr(v *float64, unit, fallback string) string {
	if v == nil || *v == 0 {
		return fallback
	}
	return formatNumber(*v) + " " + unit
}

func drain(v *float64) string {
	if v == nil {
		return NoData
	}
	return fmt.Sprintf("%.6f mAh", *v)
}
