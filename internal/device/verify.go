package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/muurk/dps150/internal/protocol"
)

// verifyTolerance is how far a read-back float may be from the written value.
// The unit stores set-points with two decimals.
const verifyTolerance = 0.006

// VerificationOptions configures how VerifyPreset retries.
type VerificationOptions struct {
	// MaxRetries is the number of extra reads after the first
	// Default: 2
	MaxRetries int

	// InitialDelay is the pause before the first read, giving the unit time
	// to apply the writes
	// Default: 50ms
	InitialDelay time.Duration

	// RetryDelay is the pause between reads; it doubles up to MaxRetryDelay
	// Default: 100ms
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff
	// Default: 1s
	MaxRetryDelay time.Duration
}

// DefaultVerificationOptions returns the options Apply callers normally use.
func DefaultVerificationOptions() VerificationOptions {
	return VerificationOptions{
		MaxRetries:    2,
		InitialDelay:  50 * time.Millisecond,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: time.Second,
	}
}

// VerificationResult is the outcome of VerifyPreset.
type VerificationResult struct {
	// Success reports whether every value in the preset read back
	Success bool

	// Attempts is the number of state reads made
	Attempts int

	// Actual is the last state read from the device
	Actual protocol.DeviceState

	// Mismatches lists the values that differ, one per entry
	Mismatches []string

	// Error is set when Success is false
	Error error
}

// VerifyPreset reads the state back until it matches the non-zero values of
// p, or the retries run out.
func (d *Device) VerifyPreset(ctx context.Context, p Preset, opts VerificationOptions) VerificationResult {
	res := VerificationResult{}
	if err := sleep(ctx, opts.InitialDelay); err != nil {
		res.Error = err
		return res
	}

	delay := opts.RetryDelay
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, delay); err != nil {
				res.Error = err
				return res
			}
			delay *= 2
			if opts.MaxRetryDelay > 0 && delay > opts.MaxRetryDelay {
				delay = opts.MaxRetryDelay
			}
		}
		res.Attempts++

		st, err := d.GetAll(ctx)
		if err != nil {
			// A lost reply is worth another try; anything else is final.
			res.Error = fmt.Errorf("attempt %d: %w", res.Attempts, err)
			if protocol.IsTimeoutError(err) {
				continue
			}
			return res
		}
		res.Actual = st
		res.Mismatches = presetMismatches(p, st)
		if len(res.Mismatches) == 0 {
			res.Success = true
			res.Error = nil
			return res
		}
		res.Error = fmt.Errorf("verification failed after %d attempt(s): %s", res.Attempts, formatMismatches(res.Mismatches))
	}
	return res
}

// ApplyAndVerify applies p and verifies it read back.
func (d *Device) ApplyAndVerify(ctx context.Context, p Preset, opts VerificationOptions) VerificationResult {
	if err := d.Apply(ctx, p); err != nil {
		return VerificationResult{Error: fmt.Errorf("apply failed: %w", err)}
	}
	return d.VerifyPreset(ctx, p, opts)
}

// PresetOf captures the writable values of st, for restoring them later.
func PresetOf(st protocol.DeviceState) Preset {
	out := st.OutputEnabled
	return Preset{
		Voltage: st.SetVoltage,
		Current: st.SetCurrent,
		OVP:     st.OVP,
		OCP:     st.OCP,
		OPP:     st.OPP,
		OTP:     st.OTP,
		LVP:     st.LVP,
		Output:  &out,
	}
}

func presetMismatches(p Preset, st protocol.DeviceState) []string {
	var out []string
	for _, c := range []struct {
		name      string
		want, got float32
	}{
		{"voltage", p.Voltage, st.SetVoltage},
		{"current", p.Current, st.SetCurrent},
		{"ovp", p.OVP, st.OVP},
		{"ocp", p.OCP, st.OCP},
		{"opp", p.OPP, st.OPP},
		{"otp", p.OTP, st.OTP},
		{"lvp", p.LVP, st.LVP},
	} {
		if c.want == 0 {
			continue
		}
		if diff := c.want - c.got; diff > verifyTolerance || diff < -verifyTolerance {
			out = append(out, fmt.Sprintf("%s: expected %g, got %g", c.name, c.want, c.got))
		}
	}
	// A protection trip turns the output off, so a trip also satisfies "on".
	if p.Output != nil && st.OutputEnabled != *p.Output && !(st.Protection.Tripped() && *p.Output) {
		out = append(out, fmt.Sprintf("output: expected %v, got %v", *p.Output, st.OutputEnabled))
	}
	return out
}

func formatMismatches(mismatches []string) string {
	switch len(mismatches) {
	case 0:
		return "none"
	case 1:
		return mismatches[0]
	}
	return fmt.Sprintf("%d mismatches: %s", len(mismatches), strings.Join(mismatches, "; "))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
