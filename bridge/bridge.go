// Package bridge exposes session clients through a byte-buffer API for callers that
// cannot hold Go values, such as a cgo export layer.
//
// Clients live in a Table and are addressed by small integer handles. Every structured
// argument and result crosses the boundary wire encoded:
//
//	Subscribe   filtersBuf = message.Filters
//	PollNotify  result     = message.NotifyResult (u32 status, entries)
//	GetMine     result     = message.Meta
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/session"
	"mini-s2s/wire"
)

// Handle addresses a client in a Table.
type Handle int32

// InvalidHandle is returned when no client was created.
const InvalidHandle Handle = -1

// ErrUnknownHandle is returned for handles that were never issued or already released.
var ErrUnknownHandle = fmt.Errorf("%w: unknown handle", errdefs.ErrInvalidState)

// Table owns the clients created through it.
type Table struct {
	opts []session.Option

	mu      sync.Mutex
	next    Handle
	clients map[Handle]*session.Client
}

// NewTable returns an empty table. opts are applied to every client it creates.
func NewTable(opts ...session.Option) *Table {
	return &Table{opts: opts, clients: make(map[Handle]*session.Client)}
}

// Initialize creates a client and logs in as name.
//
// A rejected login returns InvalidHandle. When the registry is only unreachable the
// client keeps retrying in the background, so its handle is returned together with
// the error.
func (t *Table) Initialize(ctx context.Context, name, key string, typ message.MetaType) (Handle, error) {
	c := session.New(t.opts...)
	err := c.Initialize(ctx, name, key, typ)
	if err != nil && errdefs.Classify(err) == errdefs.Fatal {
		return InvalidHandle, multierr.Append(err, c.Close(ctx))
	}
	return t.add(c), err
}

func (t *Table) add(c *session.Client) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.clients[h] = c
	return h
}

func (t *Table) get(h Handle) (*session.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return c, nil
}

// Client returns the client behind h.
func (t *Table) Client(h Handle) (*session.Client, error) { return t.get(h) }

// Handles lists the live handles in ascending order.
func (t *Table) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]Handle, 0, len(t.clients))
	for h := range t.clients {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Subscribe replaces the filter set of h with the wire encoded filters.
func (t *Table) Subscribe(ctx context.Context, h Handle, filtersBuf []byte) error {
	c, err := t.get(h)
	if err != nil {
		return err
	}
	var fs message.Filters
	if err := wire.Decode(filtersBuf, &fs); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return c.Subscribe(ctx, fs)
}

// PollNotify returns the next queued batch of h, or the current status with no
// entries when nothing is queued.
func (t *Table) PollNotify(h Handle) ([]byte, error) {
	c, err := t.get(h)
	if err != nil {
		return nil, err
	}
	status, metas := c.PollNotify()
	r := message.NotifyResult{Status: status, Metas: metas}
	return wire.Encode(&r), nil
}

func (t *Table) SetMine(ctx context.Context, h Handle, data []byte) error {
	c, err := t.get(h)
	if err != nil {
		return err
	}
	return c.SetMine(ctx, data)
}

func (t *Table) DelMine(ctx context.Context, h Handle) error {
	c, err := t.get(h)
	if err != nil {
		return err
	}
	return c.DelMine(ctx)
}

// GetMine returns the wire encoded own entry of h.
func (t *Table) GetMine(h Handle) ([]byte, error) {
	c, err := t.get(h)
	if err != nil {
		return nil, err
	}
	m, err := c.GetMine()
	if err != nil {
		return nil, err
	}
	return wire.Encode(&m), nil
}

// IsPullAllSub reports false for unknown handles.
func (t *Table) IsPullAllSub(h Handle) bool {
	c, err := t.get(h)
	return err == nil && c.IsPullAllSub()
}

// IsSubscribePulled reports false for unknown handles.
func (t *Table) IsSubscribePulled(h Handle, name string) bool {
	c, err := t.get(h)
	return err == nil && c.IsSubscribePulled(name)
}

// Release closes the client behind h and frees the handle.
func (t *Table) Release(ctx context.Context, h Handle) error {
	t.mu.Lock()
	c, ok := t.clients[h]
	delete(t.clients, h)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	return c.Close(ctx)
}

// Close releases every client.
func (t *Table) Close(ctx context.Context) error {
	var err error
	for _, h := range t.Handles() {
		if rerr := t.Release(ctx, h); rerr != nil && !errors.Is(rerr, ErrUnknownHandle) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}
