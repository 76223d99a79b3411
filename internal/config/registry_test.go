package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.Contains(configDir, "dps150") {
		t.Errorf("GetConfigDir() = %v, should contain 'dps150'", configDir)
	}

	switch runtime.GOOS {
	case "windows":
		if !strings.Contains(configDir, "AppData") && !strings.Contains(configDir, "Local") {
			t.Errorf("Windows config dir should contain 'AppData' or 'Local', got: %v", configDir)
		}
	case "darwin":
		if !strings.Contains(configDir, ".config") {
			t.Errorf("macOS config dir should contain '.config', got: %v", configDir)
		}
	}
}

func TestGetConfigDirXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG_CONFIG_HOME only applies on Linux and other Unix systems")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	got, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if got != filepath.Join("/tmp/xdg", "dps150") {
		t.Errorf("GetConfigDir() = %v, want /tmp/xdg/dps150", got)
	}
}

func TestGetConfigPath(t *testing.T) {
	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(configPath) != "config.yaml" {
		t.Errorf("GetConfigPath() should end with 'config.yaml', got: %v", configPath)
	}
}

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Version != CurrentVersion {
		t.Errorf("New().Version = %v, want %v", cfg.Version, CurrentVersion)
	}
	if cfg.Device.Port != "auto" {
		t.Errorf("New().Device.Port = %q, want auto", cfg.Device.Port)
	}
	if cfg.Device.Timeout != 2*time.Second {
		t.Errorf("New().Device.Timeout = %v, want 2s", cfg.Device.Timeout)
	}
	if cfg.Profiles == nil {
		t.Error("New().Profiles should not be nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("New().Validate() = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.Port != "auto" {
		t.Errorf("Load() of a missing file should return defaults, got port %q", cfg.Device.Port)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "partial file gets defaults",
			yaml: "device:\n  port: /dev/ttyACM0\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Device.Port != "/dev/ttyACM0" {
					t.Errorf("Port = %q", cfg.Device.Port)
				}
				if cfg.Device.PollInterval != time.Second {
					t.Errorf("PollInterval = %v, want 1s", cfg.Device.PollInterval)
				}
				if cfg.Bridge.Listen != ":8150" {
					t.Errorf("Listen = %q, want :8150", cfg.Bridge.Listen)
				}
			},
		},
		{
			name: "durations and profiles",
			yaml: `version: 1
device:
  timeout: 500ms
  poll_interval: 250ms
  usb_vendor_id: "2E3C"
profiles:
  bench:
    voltage: 12
    current: 0.5
    output: true
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Device.Timeout != 500*time.Millisecond {
					t.Errorf("Timeout = %v", cfg.Device.Timeout)
				}
				if cfg.Device.PollInterval != 250*time.Millisecond {
					t.Errorf("PollInterval = %v", cfg.Device.PollInterval)
				}
				p := cfg.GetProfile("bench")
				if p == nil {
					t.Fatal("profile bench missing")
				}
				if p.Voltage != 12 || p.Current != 0.5 {
					t.Errorf("profile = %+v", p)
				}
				if p.Output == nil || !*p.Output {
					t.Error("profile output should be true")
				}
			},
		},
		{name: "future version", yaml: "version: 2\n", wantErr: true},
		{name: "negative timeout", yaml: "device:\n  timeout: -1s\n", wantErr: true},
		{name: "bad listen address", yaml: "bridge:\n  listen: nowhere\n", wantErr: true},
		{name: "negative profile voltage", yaml: "profiles:\n  x:\n    voltage: -3\n", wantErr: true},
		{name: "not yaml", yaml: "device: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := New()
	cfg.LogLevel = "debug"
	cfg.Device.Port = "/dev/ttyUSB1"
	cfg.Device.Timeout = 750 * time.Millisecond
	cfg.SetProfile("lipo", &Profile{Description: "1S charge", Voltage: 4.2, Current: 1})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", loaded.LogLevel)
	}
	if loaded.Device.Port != "/dev/ttyUSB1" {
		t.Errorf("Port = %q", loaded.Device.Port)
	}
	if loaded.Device.Timeout != 750*time.Millisecond {
		t.Errorf("Timeout = %v", loaded.Device.Timeout)
	}
	p := loaded.GetProfile("lipo")
	if p == nil || p.Voltage != 4.2 || p.Description != "1S charge" {
		t.Errorf("profile lipo = %+v", p)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := New()
	cfg.SetProfile("bad", &Profile{Current: -1})
	if err := cfg.Save(filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Error("Save() should reject an invalid profile")
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	got, err := CreateDefaultConfig(path)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	if got != path {
		t.Errorf("CreateDefaultConfig() path = %v, want %v", got, path)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	names := cfg.ProfileNames()
	if len(names) != 2 || names[0] != "logic3v3" || names[1] != "usb5v" {
		t.Errorf("ProfileNames() = %v", names)
	}

	if _, err := CreateDefaultConfig(path); err == nil {
		t.Error("CreateDefaultConfig() should not overwrite an existing file")
	}
}

func BenchmarkParse(b *testing.B) {
	data := []byte("device:\n  port: auto\nprofiles:\n  a:\n    voltage: 5\n")
	for i := 0; i < b.N; i++ {
		if _, err := Parse(data); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDeviceOptionsAndPreset(t *testing.T) {
	cfg := New()
	cfg.Device.Timeout = 300 * time.Millisecond
	cfg.Device.USBVendorID = "2E3C"

	opts := cfg.Device.Options()
	if opts.Port != "auto" || opts.Timeout != 300*time.Millisecond || opts.PollInterval != time.Second {
		t.Errorf("Options() = %+v", opts)
	}
	if opts.Match.VID != "2E3C" || opts.Match.PID != "" {
		t.Errorf("Options().Match = %+v", opts.Match)
	}

	on := true
	p := (&Profile{Voltage: 5, OCP: 1.2, Output: &on}).Preset()
	if p.Voltage != 5 || p.OCP != 1.2 || p.Output == nil || !*p.Output {
		t.Errorf("Preset() = %+v", p)
	}
}
