// Package transport carries registry protocol frames between the client and one registry
// node.
//
// A Conn is a logged-in connection. Requests are multiplexed over it by sequence number,
// registry pushes (Notify) are delivered on a channel, and liveness is checked according
// to the LostCheck mode negotiated at login.
package transport

import (
	"context"
	"fmt"

	"mini-s2s/message"
)

// Conn is a session with one registry node. Implementations must be safe for concurrent
// use. Once Done is closed every call fails and Err reports why.
type Conn interface {
	// Subscribe replaces the filter set and returns when the registry acknowledged it.
	Subscribe(ctx context.Context, req *message.Subscribe) error
	// Register publishes data as the caller's entry and returns the stored Meta.
	Register(ctx context.Context, data []byte) (message.Meta, error)
	// Unregister removes the caller's entry.
	Unregister(ctx context.Context) error
	// Notifications delivers registry pushes in arrival order.
	Notifications() <-chan *message.Notify
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Conn and performs the login handshake.
type Dialer interface {
	Dial(ctx context.Context, login *message.Login) (Conn, *message.LoginAck, error)
}

// LostCheck selects which side probes liveness.
type LostCheck uint32

const (
	NoLostCheck LostCheck = 0
	// MulPointTCPCheck lets the registry probe the client. The client only answers.
	MulPointTCPCheck LostCheck = 3
	// DaemonCheck probes a local daemon from the client side.
	DaemonCheck             LostCheck = 5
	ClientServerDoubleCheck LostCheck = 6
	ClientCheckOnly         LostCheck = 7

	ServerCheckOnly = MulPointTCPCheck
)

func (c LostCheck) String() string {
	switch c {
	case NoLostCheck:
		return "none"
	case MulPointTCPCheck:
		return "server"
	case DaemonCheck:
		return "daemon"
	case ClientServerDoubleCheck:
		return "double"
	case ClientCheckOnly:
		return "client"
	default:
		return fmt.Sprintf("lostcheck(%d)", uint32(c))
	}
}

// Valid reports whether c is a known mode.
func (c LostCheck) Valid() bool {
	switch c {
	case NoLostCheck, MulPointTCPCheck, DaemonCheck, ClientServerDoubleCheck, ClientCheckOnly:
		return true
	}
	return false
}

// ClientProbes reports whether the client sends heartbeats in mode c.
func (c LostCheck) ClientProbes() bool {
	return c == DaemonCheck || c == ClientServerDoubleCheck || c == ClientCheckOnly
}

// ServerProbes reports whether the registry sends heartbeats in mode c. The client
// enforces the liveness window whenever either side probes.
func (c LostCheck) ServerProbes() bool {
	return c == MulPointTCPCheck || c == ClientServerDoubleCheck
}
