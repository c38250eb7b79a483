// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"time"
)

// Start starts the receive worker, and the topology worker if the router
// has a position source.
func (r *Router) Start() {
	r.Go(r.receiveWorker)
	if r.opts.Positions != nil {
		r.Go(r.topologyWorker)
	}
}

// Shutdown halts the workers.
func (r *Router) Shutdown() {
	r.Halt()

	r.Lock()
	n := len(r.buffered)
	r.Unlock()
	if n > 0 {
		r.log.Warningf("Discarding %d buffered messages on shutdown.", n)
	}
}

// Tick runs one topology update from the position source.
func (r *Router) Tick() {
	if r.opts.Positions == nil {
		r.sweep()
		r.RetryBuffered()
		return
	}
	r.Update(r.opts.Positions())
}

func (r *Router) topologyWorker() {
	ticker := time.NewTicker(r.opts.TopologyInterval)
	defer ticker.Stop()

	r.Tick()
	for {
		select {
		case <-r.HaltCh():
			r.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

func (r *Router) receiveWorker() {
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
