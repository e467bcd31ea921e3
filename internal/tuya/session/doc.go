// Package session runs the protocol state machine for one Tuya BLE device.
//
// A Session owns the device's connection phase, sequence counter, pending
// command, reassembly buffers and datapoint registry. All of that state is
// touched only by the session goroutine; transport notifications, caller
// requests, write completions and timers reach it through bounded channels.
//
// # States
//
//	Disconnected ──► Connecting ──► Connected
//	     ▲               │              │
//	     │   (failure)   │   (link loss)│
//	     └───────────────┴──────────────┘
//	     │
//	     └──► Reconnecting (automatic while the device is in use)
//
// # Commands
//
// Send writes one datapoint and blocks until the device acknowledges it
// (nil), the retry budget runs out (ErrTimeout) or the link drops
// (ErrDisconnected). Only one command is on the wire at a time; further
// commands wait in FIFO order. Retries reuse the original sequence number,
// so a command with N retries is transmitted at most N+1 times.
//
// Cancelling the caller's context returns ctx.Err() to that caller only. A
// command already on the wire stays pending until it is acknowledged,
// times out or the link drops, so its sequence number is never handed to
// another command while a late acknowledgement could still arrive.
package session
