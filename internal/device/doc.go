// Package device is the high-level DPS-150 API.
//
// A Device runs the session handshake on Connect and exposes typed getters
// and setters over a dispatcher.Dispatcher:
//
//	dev := device.New(device.Options{Port: "auto"})
//	if err := dev.Connect(ctx); err != nil {
//		return err
//	}
//	defer dev.Close(context.Background())
//
//	_ = dev.SetVoltage(ctx, 12)
//	_ = dev.SetCurrent(ctx, 0.5)
//	_ = dev.EnableOutput(ctx)
//
// Writes are not acknowledged by the unit. The new values show up in the
// state pushed afterwards, or in the next GetAll. ApplyAndVerify writes a
// Preset and reads it back:
//
//	before := device.PresetOf(dev.State())
//	res := dev.ApplyAndVerify(ctx, preset, device.DefaultVerificationOptions())
//	if !res.Success {
//		dev.Apply(ctx, before)
//	}
package device
