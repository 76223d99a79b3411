package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/capture"
	"github.com/muurk/dps150/internal/config"
	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/simulator"
)

// captureDefault is what a bare --capture means: a new file in the
// configured capture directory.
const captureDefault = "default"

// Global flags
var (
	configPath  string
	portFlag    string
	timeoutFlag time.Duration
	logLevel    string
	simulate    bool
	captureFlag string
)

// cfg is loaded once per invocation by setup.
var cfg *config.Config

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	if err := logging.Initialize(level); err != nil {
		return err
	}
	return nil
}

func teardown() {
	logging.Sync()
}

// effectiveLogLevel is the level setup used, for commands that re-route
// logging.
func effectiveLogLevel() string {
	if logLevel != "" {
		return logLevel
	}
	if cfg != nil {
		return cfg.LogLevel
	}
	return ""
}

// session is a connected device plus whatever it needs torn down with it.
type session struct {
	dev      *device.Device
	sim      *simulator.Simulator
	recorder *capture.Recorder
	port     string
}

// openDevice builds a device from the config and global flags and
// connects it.
func openDevice(ctx context.Context) (*session, error) {
	opts := cfg.Device.Options()
	if portFlag != "" {
		opts.Port = portFlag
	}
	if timeoutFlag > 0 {
		opts.Timeout = timeoutFlag
	}
	opts.Logger = logging.Named("device")

	s := &session{port: opts.Port}
	if simulate {
		s.sim = simulator.New()
		opts.Dial = s.sim.Dial
		opts.SettleDelay = -1
		s.port = "simulator"
	}

	if captureFlag != "" {
		path, err := capturePath(captureFlag, time.Now())
		if err != nil {
			return nil, err
		}
		rec, err := capture.Create(path)
		if err != nil {
			s.closeSim()
			return nil, err
		}
		s.recorder = rec
		opts.FrameHook = rec.Hook
		logging.Info("Capturing frames", zap.String("path", path), zap.String("session", rec.Session()))
	}

	s.dev = device.New(opts)
	if err := s.dev.Connect(ctx); err != nil {
		s.release()
		return nil, err
	}
	logging.LogConnection(s.port, "connected")
	return s, nil
}

// Close ends the device session and releases the simulator and capture.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.dev.Close(ctx); err != nil {
		logging.Warn("Closing device", zap.Error(err))
	}
	logging.LogConnection(s.port, "closed")
	s.release()
}

func (s *session) release() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			logging.Warn("Closing capture", zap.Error(err))
		}
	}
	s.closeSim()
}

func (s *session) closeSim() {
	if s.sim != nil {
		_ = s.sim.Close()
	}
}

// capturePath resolves the --capture value. A path ending in the capture
// extension is used as is; anything else names a directory that gets a
// timestamped file.
func capturePath(flag string, at time.Time) (string, error) {
	if strings.HasSuffix(flag, capture.Extension) {
		return flag, nil
	}
	dir := flag
	if flag == captureDefault {
		dir = cfg.Capture.Dir
		if dir == "" {
			base, err := config.GetConfigDir()
			if err != nil {
				return "", fmt.Errorf("cannot choose a capture directory: %w", err)
			}
			dir = filepath.Join(base, "captures")
		}
	}
	return capture.FileName(dir, at), nil
}

// withDevice runs fn against a connected device.
func withDevice(cmd *cobra.Command, fn func(ctx context.Context, dev *device.Device) error) error {
	ctx := cmd.Context()
	s, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.dev)
}

// configDirFile returns a file inside the config directory, or "" when it
// cannot be determined.
func configDirFile(name string) string {
	dir, err := config.GetConfigDir()
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return ""
	}
	return filepath.Join(dir, name)
}
