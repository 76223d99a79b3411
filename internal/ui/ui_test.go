package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/muurk/dps150/internal/protocol"
)

func TestResultRender(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		want   []string
	}{
		{
			name:   "success keeps detail order",
			result: NewSuccessResult("Voltage set", Field{"Voltage", "12.00 V"}, Field{"Port", "/dev/ttyACM0"}),
			want:   []string{"SUCCESS", "Voltage set", "Voltage:", "12.00 V", "Port:"},
		},
		{
			name:   "failure uses error hint",
			result: NewFailureResult("Connect failed", protocol.NewTimeoutError("no reply to model_name")),
			want:   []string{"FAILED", "no reply to model_name", "Troubleshooting:", "--timeout"},
		},
		{
			name:   "explicit tips win",
			result: NewFailureResult("Oops", errors.New("boom"), "try again"),
			want:   []string{"boom", "try again"},
		},
		{
			name:   "warning",
			result: NewWarningResult("Output stays on"),
			want:   []string{"WARNING", "Output stays on"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.result.SetWidth(80).Render()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("Render() missing %q in:\n%s", w, out)
				}
			}
		})
	}

	out := NewSuccessResult("x", Field{"First", "1"}, Field{"Second", "2"}).SetWidth(80).Render()
	if strings.Index(out, "First") > strings.Index(out, "Second") {
		t.Error("details should render in insertion order")
	}
}

func TestRenderState(t *testing.T) {
	st := protocol.DeviceState{
		OutputVoltage: 5.01,
		OutputCurrent: 0.25,
		OutputPower:   1.25,
		SetVoltage:    5,
		OutputEnabled: true,
		Mode:          protocol.ModeCV,
		Protection:    protocol.ProtectionOCP,
		Info:          protocol.DeviceInfo{ModelName: "DPS-150", FirmwareVersion: "1.2"},
	}
	out := RenderState(st, 90)
	for _, want := range []string{"DPS-150", "fw 1.2", "5.01 V", "0.250 A", "ON", "CV", "OCP", "Groups", "M6"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderState() missing %q in:\n%s", want, out)
		}
	}

	st.OutputEnabled = false
	if out := RenderState(st, 90); !strings.Contains(out, "OFF") {
		t.Error("RenderState() should show OFF for a disabled output")
	}
}

func TestDescribeInfo(t *testing.T) {
	if got := DescribeInfo(protocol.DeviceInfo{}); got != "unknown model" {
		t.Errorf("DescribeInfo(empty) = %q", got)
	}
	got := DescribeInfo(protocol.DeviceInfo{ModelName: "DPS-150", HardwareVersion: "V1.0", FirmwareVersion: "V1.1"})
	if got != "DPS-150 · hw V1.0 · fw V1.1" {
		t.Errorf("DescribeInfo() = %q", got)
	}
}

func TestProgress(t *testing.T) {
	p := NewProgress("Set voltage", "Set current", "Enable output")
	p.UpdateStep(1, StepRunning, "")
	if p.Current != 1 {
		t.Errorf("Current = %d, want 1", p.Current)
	}
	p.UpdateStep(1, StepComplete, "12.00 V")
	p.UpdateStep(2, StepSkipped, "")
	if p.Percent < 0.66 || p.Percent > 0.67 {
		t.Errorf("Percent = %v, want 2/3", p.Percent)
	}
	p.UpdateStep(9, StepComplete, "") // ignored

	out := p.Render()
	for _, want := range []string{"[1/3]", "Set voltage", StepMarkerComplete, "(12.00 V)", StepMarkerSkipped, StepMarkerPending} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q in:\n%s", want, out)
		}
	}
}

func TestRunner(t *testing.T) {
	var buf bytes.Buffer
	r := NewRunner(RunnerConfig{
		Title:     "Apply profile",
		Command:   "dps150 profile apply usb5v",
		Params:    []Field{{"Profile", "usb5v"}},
		StepNames: []string{"Set-points", "Output"},
		Output:    &buf,
		Width:     80,
	})

	err := r.Run(context.Background(), func(ctx context.Context, step StepCallback) ([]Field, error) {
		step(1, StepRunning, "")
		step(1, StepComplete, "5.00 V")
		step(2, StepSkipped, "unchanged")
		return []Field{{"Voltage", "5.00 V"}}, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"APPLY PROFILE", "usb5v", "Set-points", "(5.00 V)", "Apply profile complete", "Duration:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q in:\n%s", want, out)
		}
	}

	buf.Reset()
	boom := protocol.NewConnectionError("port vanished", nil)
	err = r.Run(context.Background(), func(ctx context.Context, step StepCallback) ([]Field, error) {
		step(1, StepFailed, "")
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if out := buf.String(); !strings.Contains(out, "Apply profile failed") || !strings.Contains(out, "Check the USB") {
		t.Errorf("failure output missing title or hint:\n%s", out)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{" YES \n", true},
		{"no\n", false},
		{"", false},
		{"yes", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := Confirm(strings.NewReader(tt.input), &out, "Enable output", "12.00 V will be applied"); got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "12.00 V will be applied") {
			t.Errorf("Confirm(%q) did not print the warning", tt.input)
		}
	}
}
