// Package logging provides structured logging for the dps150 tools.
//
// This package wraps a global zap logger with convenience functions. Logging
// is silent unless a level is passed to Initialize or DPS150_LOG_LEVEL is set,
// so library code can log freely without polluting CLI output.
//
// # Log Levels
//
//   - Debug: every frame sent and received, parser statistics
//   - Info: connection events, bridge clients
//   - Warn: dropped pushes, slow bridge clients
//   - Error: transport failures
//
// # Frame Logging
//
//	log := logging.Named("dispatcher")
//	logging.LogFrame(log, "tx", frame.Command(), frame.Type(), frame.Payload())
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// Logs go to stderr so that command output on stdout stays machine readable.
package logging
