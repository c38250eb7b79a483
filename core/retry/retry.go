// retry.go - Exponential backoff for reconnecting links.
// Copyright (C) 2026  The Fieldrelay Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides exponential backoff with jitter, used to pace
// reconnection attempts to peers that are currently unreachable.
package retry

import (
	"math"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default base delay between attempts.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between attempts.
	DefaultMaxDelay = 30 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay before the given attempt (0 based) using
// exponential backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

type state struct {
	failures  int
	notBefore time.Time
}

// Backoff tracks consecutive failures per key, and when the next attempt
// for a key is allowed.  It is safe for concurrent use.
type Backoff struct {
	sync.Mutex

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	keys map[string]*state
}

// Ready returns true iff an attempt for key may be made at now.
func (b *Backoff) Ready(key string, now time.Time) bool {
	b.Lock()
	defer b.Unlock()

	s, ok := b.keys[key]
	return !ok || !now.Before(s.notBefore)
}

// Failure records a failed attempt for key, and returns the delay before
// the next attempt.
func (b *Backoff) Failure(key string, now time.Time) time.Duration {
	b.Lock()
	defer b.Unlock()

	if b.keys == nil {
		b.keys = make(map[string]*state)
	}
	s, ok := b.keys[key]
	if !ok {
		s = new(state)
		b.keys[key] = s
	}
	d := Delay(b.BaseDelay, b.MaxDelay, b.Jitter, s.failures)
	s.failures++
	s.notBefore = now.Add(d)
	return d
}

// Success clears the failure history of key.
func (b *Backoff) Success(key string) {
	b.Lock()
	defer b.Unlock()
	delete(b.keys, key)
}

// NewBackoff returns a Backoff with the default parameters.
func NewBackoff() *Backoff {
	return &Backoff{
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    DefaultJitter,
		keys:      make(map[string]*state),
	}
}
