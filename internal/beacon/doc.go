// Package beacon manages a session with a single proximity beacon.
//
// A Connection drives the lifecycle (Idle, Connecting, Connected, Disconnecting,
// Disconnected) over a Transport with bounded retries. Once connected, register
// reads and writes are serialized by a Pipeline that keeps at most one operation
// on the wire, and unsolicited notification frames are fanned out as SensorEvents
// by a Router. Every asynchronous result is a Future that resolves exactly once.
//
// Typical use:
//
//	conn := beacon.NewConnection(id, transport, beacon.WithObserver(obs))
//	if err := conn.Connect(ctx, beacon.ConnectOptions{MaxAttempts: 3}); err != nil {
//	    return err
//	}
//	defer conn.Disconnect()
//	interval, err := beacon.Write(ctx, conn, beacon.AdvInterval, 500)
package beacon
