package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/notify"
	"mini-s2s/transport"
)

// run owns the session until Close. conn is the connection Initialize opened, or nil
// when it failed, in which case failures seeds the attempt counter.
func (c *Client) run(conn transport.Conn, failures int) {
	defer close(c.loopDone)
	for {
		if conn == nil {
			if conn = c.reconnect(failures); conn == nil {
				return
			}
		}
		if err := c.restore(conn); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("restoring session failed", zap.Error(err))
			failures++
		} else {
			failures = 0
			c.serve(conn)
		}
		if c.ctx.Err() != nil {
			return
		}
		c.lost(conn)
		conn = nil
	}
}

// reconnect dials until it succeeds or the client closes. Attempts are Delay apart
// until Threshold consecutive failures, then RecoverInterval apart. Reconnect skips the
// current wait.
func (c *Client) reconnect(failures int) transport.Conn {
	policy := c.opts.Policy
	for {
		wait := policy.Delay
		if failures >= policy.Threshold {
			wait = policy.RecoverInterval
		}
		timer := c.clk.Timer(wait)
		select {
		case <-timer.C:
		case <-c.kick:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		}

		c.opts.Metrics.ReconnectAttempt()
		conn, err := c.dial(c.ctx)
		if err == nil {
			c.logger.Info("session reconnected", zap.Int("failed_attempts", failures))
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}
		failures++
		c.opts.Metrics.ReconnectFailed()
		c.logger.Warn("reconnect failed", zap.Int("failed_attempts", failures), zap.Error(err))
		if failures >= policy.Threshold {
			c.setStatus(statusFor(err))
		}
	}
}

// restore republishes the own entry, re-sends the filter set and waits for its snapshot.
// BIND is committed together with the batch that completes the snapshot, so redelivered
// entries and the DIED entries of peers gone during the outage are queued before it.
func (c *Client) restore(conn transport.Conn) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	ctx, cancel := c.callContext()
	defer cancel()

	c.mu.Lock()
	subscribed, recovered := c.subscribed, c.bound
	wanted, payload := c.mineWanted, c.minePayload
	c.mu.Unlock()

	if wanted {
		m, err := conn.Register(ctx, payload)
		if err != nil {
			return fmt.Errorf("republish own entry: %w", err)
		}
		c.mu.Lock()
		c.mine = &m
		c.mu.Unlock()
	}

	bind := func(tx *notify.Tx) {
		tx.SetStatus(message.SessionBind)
		if recovered {
			tx.PublishStatus()
		}
	}
	if subscribed {
		if err := c.resubscribe(ctx, conn, bind); err != nil {
			return err
		}
	} else {
		c.ch.Commit(bind)
	}

	c.mu.Lock()
	c.bound = true
	c.mu.Unlock()
	c.opts.Metrics.SetStatus(message.SessionBind)
	c.logger.Info("session bound", zap.Bool("recovered", recovered))
	if recovered && c.opts.OnSessionRecovered != nil {
		c.opts.OnSessionRecovered()
	}
	return nil
}

// resubscribe sends the filter set under a new generation and applies pushes until
// every filter completed. bind runs inside the commit that completes the snapshot.
func (c *Client) resubscribe(ctx context.Context, conn transport.Conn, bind func(tx *notify.Tx)) error {
	var req *message.Subscribe
	var complete bool
	c.ch.Commit(func(tx *notify.Tx) {
		req = &message.Subscribe{Generation: tx.Tracker.Resync(), Filters: tx.Tracker.Filters()}
	})
	if err := conn.Subscribe(ctx, req); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.ch.Commit(func(tx *notify.Tx) {
		if complete = tx.Tracker.Complete(); complete {
			bind(tx)
		}
	})
	for !complete {
		select {
		case n := <-conn.Notifications():
			c.ch.Commit(func(tx *notify.Tx) {
				metas := tx.Tracker.Apply(n)
				tx.Publish(metas)
				c.opts.Metrics.Delivered(metas)
				if complete = tx.Tracker.Complete(); complete {
					bind(tx)
				}
			})
		case <-conn.Done():
			return fmt.Errorf("resubscribe: %w", conn.Err())
		case <-ctx.Done():
			return fmt.Errorf("resubscribe: waiting for snapshot: %w", errdefs.Timeout(ctx.Err()))
		}
	}
	return nil
}

// serve feeds registry pushes into the tracker until the connection ends.
func (c *Client) serve(conn transport.Conn) {
	for {
		select {
		case n := <-conn.Notifications():
			c.ch.Commit(func(tx *notify.Tx) {
				metas := tx.Tracker.Apply(n)
				tx.Publish(metas)
				c.opts.Metrics.Delivered(metas)
			})
		case <-c.kick:
			// connected, nothing to hurry
		case <-conn.Done():
			c.logger.Warn("session lost", zap.Error(conn.Err()))
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// lost commits OFF and, when the session was bound, queues the loss notification.
func (c *Client) lost(conn transport.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	var wasBound bool
	c.ch.Commit(func(tx *notify.Tx) {
		wasBound = tx.Status() == message.SessionBind
		tx.SetStatus(message.SessionOff)
		if wasBound {
			tx.PublishStatus()
		}
	})
	c.opts.Metrics.SetStatus(message.SessionOff)
	if wasBound && c.opts.OnSessionLost != nil {
		c.opts.OnSessionLost()
	}
}
