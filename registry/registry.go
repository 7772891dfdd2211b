// Package registry lets a session use an etcd cluster as the meta store instead of
// dedicated registry nodes. EtcdDialer implements transport.Dialer, so the session
// code is the same for both backends.
//
// etcd provides strong consistency (Raft), leases and prefix watches, which map onto
// the registry contract directly:
//
//	Key:     {Prefix}/{Name}/{ServerID}
//	Value:   wire encoded message.Meta
//	Lease:   one per session. Its id is the ServerID and its KeepAlive is the liveness
//	         check, so a crashed client's entry expires with the lease.
//	Watch:   prefix watch with previous values. PUT is an update, DELETE reports DIED.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	"mini-s2s/errdefs"
)

const (
	DefaultPrefix = "/s2s/meta"
	// ProtocolVersion is reported as the registry version in the login ack.
	ProtocolVersion = "3.1.0"
)

// ErrLeaseLost closes a connection whose lease could not be kept alive.
var ErrLeaseLost = fmt.Errorf("%w: etcd lease lost", errdefs.ErrTransport)

func entryKey(prefix, name string, id int64) string {
	return prefix + "/" + name + "/" + strconv.FormatInt(id, 10)
}

func cleanPrefix(p string) string {
	if p == "" {
		return DefaultPrefix
	}
	return strings.TrimRight(p, "/")
}

// mapError converts etcd client errors into errdefs errors.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	// grpc status errors from the dial path are converted to their etcd form first
	ev := rpctypes.Error(err)
	switch {
	case errors.Is(ev, rpctypes.ErrAuthFailed),
		errors.Is(ev, rpctypes.ErrInvalidAuthToken),
		errors.Is(ev, rpctypes.ErrPermissionDenied),
		errors.Is(ev, rpctypes.ErrUserEmpty):
		return fmt.Errorf("%s: %w: %w", op, errdefs.ErrInvalidCredential, err)
	case errors.Is(ev, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrLeaseLost, err)
	case errors.Is(ev, rpctypes.ErrTooManyRequests):
		return fmt.Errorf("%s: %w: %w", op, errdefs.ErrRateLimited, err)
	default:
		return errdefs.Transport(op, errdefs.Timeout(err))
	}
}
