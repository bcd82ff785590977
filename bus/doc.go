// Package bus runs a pool-equipment RS-485 connection.
//
// A Connection owns one transport port and a single protocol loop goroutine.
// The loop feeds received bytes to a frame.Reader, dispatches valid messages
// to handlers, reports every frame to packet loggers, and sends queued
// requests one at a time, matching inbound traffic against the request in
// flight.
//
// Sending returns a Pending future:
//
//	p, err := conn.Send(msg, bus.WithReply())
//	if err != nil {
//		return err
//	}
//	reply, err := p.Wait(ctx)
//
// A request without a response descriptor resolves as soon as its bytes are
// written. A request with one is resent on timeout until its retries are
// used up, then fails with a *CommandError wrapping ErrNoResponse.
package bus
