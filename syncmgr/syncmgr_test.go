// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/fieldrelay/buffer"
	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/log"
	"github.com/katzenpost/fieldrelay/envelope"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

var errLinkDown = errors.New("link down")

type fakeUplink struct {
	sync.Mutex

	reachable bool
	failSends bool
	connected bool
	sent      []*envelope.Envelope
}

func (u *fakeUplink) Probe(ctx context.Context) error {
	u.Lock()
	defer u.Unlock()
	if !u.reachable {
		return errLinkDown
	}
	return nil
}

func (u *fakeUplink) SendUpstream(ctx context.Context, e *envelope.Envelope) error {
	u.Lock()
	defer u.Unlock()
	if u.failSends {
		return errLinkDown
	}
	u.sent = append(u.sent, e)
	return nil
}

func (u *fakeUplink) SetConnected(up bool) {
	u.Lock()
	defer u.Unlock()
	u.connected = up
}

func (u *fakeUplink) sentCount() int {
	u.Lock()
	defer u.Unlock()
	return len(u.sent)
}

func newTestManager(t *testing.T, opts *Options) (*Manager, *buffer.Buffer, *fakeUplink, *clock.Fake) {
	clk := clock.NewFake(testEpoch)
	logBackend := log.NewDiscard()
	buf, err := buffer.New(filepath.Join(t.TempDir(), "buffer.db"), &buffer.Options{Clock: clk}, logBackend.GetLogger("buffer"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	if opts == nil {
		opts = new(Options)
	}
	opts.Clock = clk
	up := &fakeUplink{reachable: true}
	m, err := New(opts, buf, up, logBackend.GetLogger("sync"))
	require.NoError(t, err)
	t.Cleanup(m.Halt)
	return m, buf, up, clk
}

func fill(t *testing.T, buf *buffer.Buffer, n int, p envelope.Priority, now time.Time) {
	for i := 0; i < n; i++ {
		e, err := envelope.New(envelope.Detection, map[string]any{"seq": fmt.Sprint(i)}, "edge-1", "command", p,
			envelope.WithCreatedAt(now))
		require.NoError(t, err)
		require.NoError(t, buf.Put(e))
	}
}

func TestSyncOnceBatches(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, nil)
	fill(t, buf, 60, envelope.Medium, clk.Now())

	res, err := m.SyncOnce(context.Background())
	require.NoError(err)
	require.Equal(50, res.Sent)
	require.Equal(50, up.sentCount())
	require.Equal(10, buf.Stats().Pending)
	require.True(m.Connected())
	require.True(up.connected)

	res, err = m.SyncOnce(context.Background())
	require.NoError(err)
	require.Equal(10, res.Sent)
	require.Zero(buf.Stats().Pending)
	require.Equal(1.0, m.SyncRate())
	require.Equal(uint64(2), m.Cycles())
	require.True(clk.Now().Equal(m.LastSync()))
}

func TestSyncRate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, _, clk := newTestManager(t, &Options{BatchSize: 1})
	require.Equal(1.0, m.SyncRate())

	fill(t, buf, 2, envelope.High, clk.Now())
	require.Zero(m.SyncRate())

	_, err := m.SyncOnce(context.Background())
	require.NoError(err)
	require.Equal(0.5, m.SyncRate())
}

func TestSyncOncePriorityOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, &Options{BatchSize: 2})
	fill(t, buf, 2, envelope.Low, clk.Now())
	fill(t, buf, 1, envelope.Critical, clk.Now())
	fill(t, buf, 1, envelope.High, clk.Now())

	_, err := m.SyncOnce(context.Background())
	require.NoError(err)
	require.Len(up.sent, 2)
	require.Equal(envelope.Critical, up.sent[0].Priority)
	require.Equal(envelope.High, up.sent[1].Priority)
}

func TestSyncOnceDisconnected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, nil)
	fill(t, buf, 3, envelope.High, clk.Now())
	up.reachable = false

	_, err := m.SyncOnce(context.Background())
	require.ErrorIs(err, ErrNotConnected)
	require.False(m.Connected())
	require.False(up.connected)
	require.Zero(up.sentCount())
	require.Equal(3, buf.Stats().Pending)
	require.True(m.LastSync().IsZero())
}

func TestSyncOnceExpired(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, nil)
	fill(t, buf, 2, envelope.Critical, clk.Now())
	clk.Advance(envelope.Critical.DefaultTTL() + time.Second)
	fill(t, buf, 1, envelope.Critical, clk.Now())

	res, err := m.SyncOnce(context.Background())
	require.NoError(err)
	require.Equal(2, res.Expired)
	require.Equal(1, res.Sent)
	require.Equal(1, up.sentCount())
	require.Zero(buf.Stats().Pending)
}

func TestSyncOnceAttemptCeiling(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, nil)
	fill(t, buf, 1, envelope.High, clk.Now())
	up.failSends = true

	for i := 0; i < buffer.DefaultMaxAttempts-1; i++ {
		res, err := m.SyncOnce(context.Background())
		require.NoError(err)
		require.Equal(1, res.Failed)
		require.Zero(res.Discarded)
	}
	require.Equal(1, buf.Stats().Pending)

	res, err := m.SyncOnce(context.Background())
	require.NoError(err)
	require.Equal(1, res.Discarded)

	st := buf.Stats()
	require.Zero(st.Pending)
	require.Equal(1, st.Discarded)
	require.Zero(m.SyncRate())
}

func TestPrune(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, _, clk := newTestManager(t, &Options{Retention: time.Hour})
	fill(t, buf, 4, envelope.Low, clk.Now())

	_, err := m.SyncOnce(context.Background())
	require.NoError(err)

	n, err := m.Prune()
	require.NoError(err)
	require.Zero(n)

	clk.Advance(time.Hour)
	n, err = m.Prune()
	require.NoError(err)
	require.Equal(4, n)
	require.Zero(buf.Stats().Buffered)
}

func TestSyncWorker(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, buf, up, clk := newTestManager(t, &Options{Interval: 10 * time.Millisecond})
	fill(t, buf, 5, envelope.Medium, clk.Now())

	m.Start()
	require.Eventually(func() bool {
		return up.sentCount() == 5
	}, 2*time.Second, 10*time.Millisecond)
	m.Halt()
	require.Zero(buf.Stats().Pending)
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, &fakeUplink{}, log.NewDiscard().GetLogger("sync"))
	require.Error(t, err)
}
