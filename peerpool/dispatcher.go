// Package peerpool turns the notification queue of a session into per-service streams
// and keeps connection pools to the live peers of a service.
//
//	session.Client ──Ready/Next──→ Dispatcher ──name──→ chan message.Meta
//	                                          └──name──→ chan *codec.Endpoint ──→ Pool
package peerpool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mini-s2s/codec"
	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// Client is the part of session.Client the dispatcher drives.
type Client interface {
	Subscribe(ctx context.Context, filters []message.SubFilter) error
	Ready() <-chan struct{}
	Next() (message.NotifyResult, bool)
}

// Dispatcher owns the filter set of a client and routes every notified entry to the
// channel registered for its service name. Raw routes take precedence over decoded
// ones.
type Dispatcher struct {
	client Client
	logger *zap.Logger

	mu        sync.Mutex
	filters   []message.SubFilter
	raw       map[string]chan<- message.Meta
	endpoints map[string]chan<- *codec.Endpoint
	onStatus  func(message.SessionStatus)
}

func NewDispatcher(c Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:    c,
		logger:    logger,
		raw:       make(map[string]chan<- message.Meta),
		endpoints: make(map[string]chan<- *codec.Endpoint),
	}
}

// OnStatus sets a callback run with the status of every batch, before its entries are
// routed.
func (d *Dispatcher) OnStatus(fn func(message.SessionStatus)) {
	d.mu.Lock()
	d.onStatus = fn
	d.mu.Unlock()
}

// SubscribeMeta adds f to the filter set and routes matching entries to ch unchanged.
func (d *Dispatcher) SubscribeMeta(ctx context.Context, f message.SubFilter, ch chan<- message.Meta) error {
	return d.add(ctx, f, func() { d.raw[f.InterestedName] = ch })
}

// SubscribeEndpoints adds f to the filter set and routes matching entries to ch as
// decoded endpoints. Entries whose payload cannot be decoded are logged and skipped.
func (d *Dispatcher) SubscribeEndpoints(ctx context.Context, f message.SubFilter, ch chan<- *codec.Endpoint) error {
	return d.add(ctx, f, func() { d.endpoints[f.InterestedName] = ch })
}

func (d *Dispatcher) add(ctx context.Context, f message.SubFilter, route func()) error {
	if f.InterestedName == "" {
		return fmt.Errorf("%w: subscribe without a service name", errdefs.ErrInvalidState)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, raw := d.raw[f.InterestedName]
	_, decoded := d.endpoints[f.InterestedName]
	if raw || decoded {
		return fmt.Errorf("%w: %s is already routed", errdefs.ErrInvalidState, f.InterestedName)
	}
	filters := append(append([]message.SubFilter{}, d.filters...), f)
	if err := d.client.Subscribe(ctx, filters); err != nil {
		return err
	}
	d.filters = filters
	route()
	return nil
}

// Run routes batches until ctx ends. Sends to a route block, so every route needs a
// reader.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-d.client.Ready():
			for {
				r, ok := d.client.Next()
				if !ok {
					break
				}
				if err := d.dispatch(ctx, r); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, r message.NotifyResult) error {
	d.mu.Lock()
	onStatus := d.onStatus
	d.mu.Unlock()
	if onStatus != nil {
		onStatus(r.Status)
	}
	d.logger.Debug("dispatching batch", zap.Stringer("status", r.Status), zap.Int("entries", len(r.Metas)))

	for i := range r.Metas {
		m := r.Metas[i]
		d.mu.Lock()
		raw, isRaw := d.raw[m.Name]
		decoded, isDecoded := d.endpoints[m.Name]
		d.mu.Unlock()

		switch {
		case isRaw:
			select {
			case raw <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		case isDecoded:
			ep, err := codec.DecodeEndpoint(&m)
			if err != nil && m.Status == message.MetaDied {
				// removals only need the id
				ep, err = &codec.Endpoint{ServerID: m.ServerID, Name: m.Name, GroupID: m.GroupID, Status: m.Status}, nil
			}
			if err != nil {
				d.logger.Error("skipping undecodable entry", zap.String("peer", m.Name),
					zap.Int64("server_id", m.ServerID), zap.Error(err))
				continue
			}
			select {
			case decoded <- ep:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			d.logger.Warn("no route for entry", zap.String("peer", m.Name))
		}
	}
	return nil
}
