// Package dispatcher correlates DPS-150 requests with replies and fans
// unsolicited pushes out to observers.
//
// A Dispatcher owns one transport. Connect dials it and starts a single read
// goroutine that feeds a protocol.Parser and classifies every frame:
//
//   - A GET or SET frame whose (command, type) matches an outstanding request
//     is a reply. It is decoded and handed to the waiting caller.
//   - Everything else is a push. It is decoded, folded into a new
//     DeviceState snapshot and passed to each observer in registration order.
//
// At most one request per (command, type) is in flight; a second one fails
// with a busy error instead of queueing. Send waits for the reply, the
// configured timeout, context cancellation, or loss of the connection.
//
//	d := dispatcher.New(dispatcher.Config{Dial: dial, Timeout: time.Second})
//	if err := d.Connect(ctx); err != nil {
//	    return err
//	}
//	defer d.Close()
//
//	tok := d.Subscribe(func(ev dispatcher.Event) {
//	    fmt.Println(ev.State)
//	})
//	defer d.Unsubscribe(tok)
//
//	v, err := d.Get(ctx, "all")
//
// Observers run on the read goroutine. They must not block and must not call
// Close.
//
// When a snapshot moves from NORMAL to a tripped protection state the
// dispatcher reports a protocol.ErrProtection error once: in Event.Err of the
// push that carried it, and on the Protection channel.
package dispatcher
