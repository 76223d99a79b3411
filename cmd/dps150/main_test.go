package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dps150/internal/capture"
	"github.com/muurk/dps150/internal/config"
	"github.com/muurk/dps150/internal/protocol"
)

// execute runs the root command with args and returns what it printed.
// Flag variables are package globals, so they are reset first.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	jsonOutput, simulate, assumeYes, versionJSON = false, false, false, false
	captureFlag, portFlag, logLevel, configPath = "", "", "", ""
	timeoutFlag, watchInterval = 0, 0
	dumpSession, dumpDirection, dumpTypes = "", "", nil
	profileDescription, noRollback = "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "", "--config", writeConfig(t, "version: 1\n"), "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])
}

func TestStatusJSONSimulated(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")
	out, err := execute(t, "", "--config", cfgPath, "--simulate", "status", "--json")
	require.NoError(t, err)

	var st protocol.DeviceState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "DPS-150", st.Info.ModelName)
	assert.Greater(t, st.InputVoltage, float32(0))
}

func TestInfoSimulated(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")
	out, err := execute(t, "", "--config", cfgPath, "--simulate", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "DPS-150")
}

func TestSetArguments(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "odd args", args: []string{"set", "voltage"}, wantErr: "pairs"},
		{name: "not a number", args: []string{"set", "voltage", "twelve"}, wantErr: "not a number"},
		{name: "read-only", args: []string{"set", "temperature", "20"}, wantErr: "temperature"},
		{name: "unknown", args: []string{"set", "warp", "9"}, wantErr: "warp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", cfgPath, "--simulate"}, tt.args...)
			_, err := execute(t, "", args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetWithCapture(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")
	capPath := filepath.Join(t.TempDir(), "run"+capture.Extension)

	out, err := execute(t, "", "--config", cfgPath, "--simulate", "--capture="+capPath, "set", "voltage", "9", "ocp", "1.5")
	require.NoError(t, err)
	assert.Contains(t, out, "Parameters written")

	out, err = execute(t, "", "--config", cfgPath, "capture", "dump", capPath, "--direction", "out", "--type", "voltage")
	require.NoError(t, err)
	assert.Contains(t, out, "SET")
	assert.Contains(t, out, "voltage")
	assert.NotContains(t, out, "ocp")
	assert.Contains(t, out, "1 frame(s) in 1 session(s)")
}

func TestCaptureDumpBadFilter(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")
	_, err := execute(t, "", "--config", cfgPath, "capture", "dump", "x.dpscap", "--direction", "sideways")
	require.Error(t, err)
	assert.True(t, protocol.IsValueError(err))
}

func TestGroupCommands(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")

	out, err := execute(t, "", "--config", cfgPath, "--simulate", "group", "set", "2", "3.3", "0.5")
	require.NoError(t, err)
	assert.Contains(t, out, "M2")

	_, err = execute(t, "", "--config", cfgPath, "--simulate", "group", "load", "7")
	require.Error(t, err)
	assert.True(t, protocol.IsValueError(err))

	out, err = execute(t, "", "--config", cfgPath, "--simulate", "group", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "M6")
}

const profileConfig = `version: 1
profiles:
  hot:
    voltage: 12
    current: 1
    ocp: 1.2
    output: true
`

func TestProfileApply(t *testing.T) {
	cfgPath := writeConfig(t, profileConfig)

	out, err := execute(t, "", "--config", cfgPath, "--simulate", "profile", "apply", "hot", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Apply Profile complete")
	assert.Contains(t, out, "12.00 V")
}

func TestProfileApplyRollsBack(t *testing.T) {
	// 25 V exceeds the simulated unit's 19 V limit, so the read-back fails.
	cfgPath := writeConfig(t, `version: 1
profiles:
  toohigh:
    voltage: 25
    current: 1
`)
	out, err := execute(t, "", "--config", cfgPath, "--simulate", "profile", "apply", "toohigh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous settings restored")
	assert.Contains(t, out, "Apply Profile failed")
}

func TestProfileApplyDeclined(t *testing.T) {
	cfgPath := writeConfig(t, profileConfig)

	out, err := execute(t, "no\n", "--config", cfgPath, "--simulate", "profile", "apply", "hot")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled")
	assert.NotContains(t, out, "Apply Profile")
}

func TestProfileApplyUnknown(t *testing.T) {
	cfgPath := writeConfig(t, profileConfig)
	_, err := execute(t, "", "--config", cfgPath, "--simulate", "profile", "apply", "cold")
	require.Error(t, err)
	assert.True(t, protocol.IsValueError(err))
}

func TestProfileSaveAndList(t *testing.T) {
	cfgPath := writeConfig(t, "version: 1\n")

	_, err := execute(t, "", "--config", cfgPath, "--simulate", "profile", "save", "snap", "--description", "from sim")
	require.NoError(t, err)

	saved, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.NotNil(t, saved.GetProfile("snap"))
	assert.Equal(t, "from sim", saved.GetProfile("snap").Description)

	out, err := execute(t, "", "--config", cfgPath, "profile", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "snap")
}

func TestConfigInitAndShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "dps150", "config.yaml")

	out, err := execute(t, "", "--config", cfgPath, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Config created")

	_, err = execute(t, "", "--config", cfgPath, "config", "init")
	assert.Error(t, err, "init must not overwrite an existing file")

	out, err = execute(t, "", "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "usb5v")
	assert.Contains(t, out, "logic3v3")

	out, err = execute(t, "", "--config", cfgPath, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfgPath, strings.TrimSpace(out))
}

func TestCapturePath(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg = config.New()

	p, err := capturePath("trace"+capture.Extension, at)
	require.NoError(t, err)
	assert.Equal(t, "trace"+capture.Extension, p)

	p, err = capturePath("traces", at)
	require.NoError(t, err)
	assert.Equal(t, capture.FileName("traces", at), p)

	cfg.Capture.Dir = "/tmp/caps"
	p, err = capturePath(captureDefault, at)
	require.NoError(t, err)
	assert.Equal(t, capture.FileName("/tmp/caps", at), p)
}

func TestResolveBridge(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{target: "ws://pi.local:8150/ws", want: "ws://pi.local:8150/ws"},
		{target: "wss://example.net/stream", want: "wss://example.net/stream"},
		{target: "192.168.1.20:8150", want: "ws://192.168.1.20:8150/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := resolveBridge(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
