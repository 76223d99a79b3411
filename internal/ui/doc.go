// Package ui renders terminal output for the dps150 CLI.
//
// Components follow a "print once" pattern built on Lipgloss:
//
//   - Header: command banner with parameters
//   - Progress and Runner: step list for multi-step commands such as
//     applying a profile
//   - Result: success, warning and failure boxes; failures carry the
//     troubleshooting hint of protocol errors
//   - RenderState: the full device snapshot as grouped readings
//
// The interactive dashboard lives in the monitor package and reuses the
// styles and formatters defined here.
//
// # Logging Integration
//
// zap logging stays silent unless --log-level or DPS150_LOG_LEVEL is set, so
// the styled output is not interleaved with log lines.
package ui
