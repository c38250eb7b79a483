// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"time"
)

// Start starts the relay's transmit, receive, ack timeout and telemetry
// flush workers.  They run until Shutdown.
func (r *Relay) Start() {
	r.Go(r.transmitWorker)
	r.Go(r.receiveWorker)
	r.Go(func() {
		r.tickWorker(r.opts.TimeoutCheckInterval, func() { r.CheckTimeouts() })
	})
	r.Go(func() {
		r.tickWorker(r.opts.TelemetryFlushInterval, func() {
			if err := r.FlushTelemetry(); err != nil {
				r.log.Errorf("Failed to flush telemetry: %v", err)
			}
		})
	})
}

// Shutdown halts the workers.  Queued upstream messages and aggregated
// telemetry are stored in the durable buffer, everything else still queued
// is dropped.
func (r *Relay) Shutdown() {
	r.Halt()

	if err := r.FlushTelemetry(); err != nil {
		r.log.Errorf("Failed to store telemetry on shutdown: %v", err)
	}
	dropped := 0
	for _, e := range r.outq.Drain() {
		if r.isUpstreamBound(e) && r.buffer != nil {
			if err := r.buffer.Put(e); err == nil {
				continue
			}
		}
		dropped++
	}
	if dropped > 0 {
		r.log.Warningf("Dropped %d queued messages on shutdown.", dropped)
	}
}

// processQueue transmits queued messages until the queue is empty or the
// relay is halted.
func (r *Relay) processQueue() {
	for {
		select {
		case <-r.HaltCh():
			return
		default:
		}
		e := r.outq.Pop()
		if e == nil {
			return
		}
		r.transmit(e)
	}
}

func (r *Relay) transmitWorker() {
	for {
		r.processQueue()
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case <-r.outq.signal:
		}
	}
}

func (r *Relay) receiveWorker() {
	for {
		f, err := r.transport.Receive(r.Context())
		if err != nil {
			select {
			case <-r.HaltCh():
			default:
				r.log.Errorf("Receive failed: %v", err)
			}
			return
		}
		if err = r.HandleInbound(f.Payload); err != nil {
			r.log.Debugf("Inbound message from %v: %v", f.From, err)
		}
	}
}

func (r *Relay) tickWorker(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case <-ticker.C:
			fn()
		}
	}
}
