// Package monitor implements the live terminal dashboard behind
// "dps150 monitor".
//
// The dashboard subscribes to device updates and redraws on each one. Key
// presses start device operations in the background so the view keeps
// updating while a write is in flight.
//
// # Keys
//
//	o      toggle the output
//	v, c   edit the voltage or current set-point (enter applies, esc cancels)
//	1-6    load a stored group
//	m      toggle capacity/energy metering
//	r      re-read the full state
//	?      show all keys
//	q      quit
//
// zap logs would corrupt the alternate screen, so callers should direct
// logging to a file (logging.InitializeTo) before calling Run.
package monitor
