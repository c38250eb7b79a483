// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package syncmgr drains the durable buffer upstream whenever the upstream
// link is reachable.
package syncmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/buffer"
	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/worker"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 2 * time.Second
	DefaultBatchSize    = 50
	DefaultSendTimeout  = 2 * time.Second
	DefaultRetention    = 24 * time.Hour
)

// ErrNotConnected is the error returned by a sync attempt made while the
// upstream is unreachable.
var ErrNotConnected = errors.New("syncmgr: upstream not connected")

// Uplink is the upstream link the manager probes and transmits over.
type Uplink interface {
	// Probe makes a round trip to the upstream peer.
	Probe(ctx context.Context) error

	// SendUpstream transmits e to the upstream peer once.
	SendUpstream(ctx context.Context, e *envelope.Envelope) error

	// SetConnected publishes the probed connectivity state.
	SetConnected(up bool)
}

// Options are the Manager parameters.
type Options struct {
	// Interval is the period of the sync loop.
	Interval time.Duration

	// ProbeTimeout bounds the connectivity probe round trip.
	ProbeTimeout time.Duration

	// BatchSize is the maximum number of records drained per cycle.
	BatchSize int

	// SendTimeout bounds each upstream transmission.
	SendTimeout time.Duration

	// Retention is how long synced records are kept before being pruned.
	Retention time.Duration

	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Result is the outcome of a sync cycle.
type Result struct {
	Sent      int
	Expired   int
	Failed    int
	Discarded int
}

// Manager is the sync manager.
type Manager struct {
	worker.Worker

	log    *logging.Logger
	opts   Options
	buffer *buffer.Buffer
	uplink Uplink

	// syncLock serializes sync cycles.
	syncLock sync.Mutex

	connected atomic.Bool
	cycles    atomic.Uint64
	lastSync  atomic.Int64
}

// Connected returns the connectivity state observed by the last probe.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Cycles returns the number of completed sync cycles.
func (m *Manager) Cycles() uint64 {
	return m.cycles.Load()
}

// LastSync returns the time of the last successful probe, or the zero
// time.
func (m *Manager) LastSync() time.Time {
	ns := m.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SyncRate returns the fraction of the records in the buffer that have
// been delivered upstream.  An empty buffer has nothing left to sync.
func (m *Manager) SyncRate() float64 {
	st := m.buffer.Stats()
	if st.Buffered == 0 {
		return 1
	}
	return float64(st.Synced) / float64(st.Buffered)
}

// SyncOnce probes the upstream and, if it is reachable, drains one batch of
// pending records in priority order.
func (m *Manager) SyncOnce(ctx context.Context) (*Result, error) {
	m.syncLock.Lock()
	defer m.syncLock.Unlock()
	defer m.cycles.Add(1)

	if !m.probe(ctx) {
		return nil, ErrNotConnected
	}
	m.lastSync.Store(m.opts.Clock.Now().UnixNano())

	recs, err := m.buffer.PeekPending(m.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	res := new(Result)
	for _, rec := range recs {
		if err = ctx.Err(); err != nil {
			return res, err
		}
		if rec.Envelope.IsExpired(m.opts.Clock.Now()) {
			if err = m.buffer.MarkSynced(rec.ID); err != nil {
				return res, err
			}
			res.Expired++
			instrument.MessageDropped(instrument.ReasonExpired)
			m.log.Debugf("Discarding expired buffered message %v", rec.ID)
			continue
		}

		if err = m.send(ctx, rec.Envelope); err != nil {
			res.Failed++
			m.log.Debugf("Failed to sync %v (attempt %d): %v", rec.ID, rec.Attempts+1, err)
			discarded, err := m.buffer.IncrementAttempts(rec.ID)
			if err != nil {
				return res, err
			}
			if discarded {
				res.Discarded++
				instrument.PermanentFailure("sync")
			}
			continue
		}
		if err = m.buffer.MarkSynced(rec.ID); err != nil {
			return res, err
		}
		res.Sent++
	}
	if res.Sent > 0 {
		instrument.Synced(res.Sent)
	}
	if len(recs) > 0 {
		m.log.Infof("Sync: %d sent, %d expired, %d failed (%d discarded)", res.Sent, res.Expired, res.Failed, res.Discarded)
	}
	return res, nil
}

// Prune removes synced records older than the retention period.
func (m *Manager) Prune() (int, error) {
	return m.buffer.Prune(m.opts.Retention)
}

// Start starts the sync loop.  It runs until Halt.
func (m *Manager) Start() {
	m.Go(m.syncWorker)
}

func (m *Manager) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := m.uplink.Probe(pctx)
	up := err == nil
	if m.connected.Swap(up) != up {
		if up {
			m.log.Noticef("Upstream reachable.")
		} else {
			m.log.Noticef("Upstream unreachable: %v", err)
		}
	}
	m.uplink.SetConnected(up)
	return up
}

func (m *Manager) send(ctx context.Context, e *envelope.Envelope) error {
	sctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	return m.uplink.SendUpstream(sctx, e)
}

func (m *Manager) syncWorker() {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.HaltCh():
			m.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
		}

		_, err := m.SyncOnce(m.Context())
		switch {
		case err == nil, errors.Is(err, ErrNotConnected):
		case errors.Is(err, context.Canceled):
			return
		default:
			m.log.Errorf("Sync failed: %v", err)
		}
		if _, err = m.Prune(); err != nil {
			m.log.Errorf("Failed to prune buffer: %v", err)
		}
	}
}

// New creates a sync manager draining buf over uplink.
func New(opts *Options, buf *buffer.Buffer, uplink Uplink, log *logging.Logger) (*Manager, error) {
	if buf == nil {
		return nil, errors.New("syncmgr: no buffer")
	}
	if uplink == nil {
		return nil, errors.New("syncmgr: no uplink")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o.applyDefaults()

	return &Manager{
		log:    log,
		opts:   o,
		buffer: buf,
		uplink: uplink,
	}, nil
}
