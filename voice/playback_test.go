package voice

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/tmp"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing []string
	// gate, when non-nil, blocks each Play until it receives.
	gate chan struct{}
	err  error
}

func (p *fakePlayer) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.playing = append(p.playing, path)
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.playing...)
}

func newTestFiles(t *testing.T) *tmp.Manager {
	t.Helper()
	files, err := tmp.NewManager(
		t.TempDir(), log.New(io.Discard), tmp.WithSynchronousDelete(),
	)
	require.NoError(t, err)
	t.Cleanup(files.Close)
	return files
}

func readyNow(context.Context) error { return nil }

func TestPlaybackFIFONeverInterrupts(t *testing.T) {
	files := newTestFiles(t)
	player := &fakePlayer{gate: make(chan struct{})}

	var transitions []PlayState
	var tmu sync.Mutex
	p := newPlayback(player, readyNow, 4, log.New(io.Discard))
	p.observe = func(s PlayState) {
		tmu.Lock()
		transitions = append(transitions, s)
		tmu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	first, _ := files.NewFile(".wav")
	second, _ := files.NewFile(".wav")
	require.NoError(t, p.Play(ctx, first))
	require.NoError(t, p.Play(ctx, second))

	// First starts; second must not while first is mid-play.
	require.Eventually(t, func() bool {
		return len(player.played()) == 1
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, PlayPlaying, p.State())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, player.played(), 1, "second artifact started before first finished")

	player.gate <- struct{}{} // finish first
	require.Eventually(t, func() bool {
		return len(player.played()) == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, first.Path(), player.played()[0])
	assert.Equal(t, second.Path(), player.played()[1])

	player.gate <- struct{}{} // finish second
	require.Eventually(t, func() bool {
		return p.State() == PlayIdle
	}, time.Second, 2*time.Millisecond)

	tmu.Lock()
	defer tmu.Unlock()
	assert.Equal(t,
		[]PlayState{PlayPlaying, PlayIdle, PlayPlaying, PlayIdle},
		transitions,
	)
}

func TestPlaybackReleasesArtifactOnIdle(t *testing.T) {
	files := newTestFiles(t)
	player := &fakePlayer{}
	p := newPlayback(player, readyNow, 4, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	a, _ := files.NewFile(".wav")
	path := a.Path()
	require.NoError(t, p.Play(ctx, a))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 2*time.Millisecond, "artifact not released after playback")
}

func TestPlaybackErrorAdvancesQueue(t *testing.T) {
	files := newTestFiles(t)
	player := &fakePlayer{err: errors.New("device gone")}
	p := newPlayback(player, readyNow, 4, log.New(io.Discard))

	var transitions []PlayState
	var tmu sync.Mutex
	p.observe = func(s PlayState) {
		tmu.Lock()
		transitions = append(transitions, s)
		tmu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	a, _ := files.NewFile(".wav")
	b, _ := files.NewFile(".wav")
	require.NoError(t, p.Play(ctx, a))
	require.NoError(t, p.Play(ctx, b))

	require.Eventually(t, func() bool {
		return len(player.played()) == 2
	}, time.Second, 2*time.Millisecond)

	tmu.Lock()
	defer tmu.Unlock()
	assert.Contains(t, transitions, PlayError)
}

func TestPlaybackQueueFull(t *testing.T) {
	files := newTestFiles(t)
	player := &fakePlayer{gate: make(chan struct{})}
	p := newPlayback(player, readyNow, 1, log.New(io.Discard))
	// No run loop: the queue holds one entry and nothing drains it.

	a, _ := files.NewFile(".wav")
	b, _ := files.NewFile(".wav")
	require.NoError(t, p.Play(context.Background(), a))

	err := p.Play(context.Background(), b)
	require.ErrorIs(t, err, ErrQueueFull)
	_, statErr := os.Stat(b.Path())
	assert.True(t, os.IsNotExist(statErr), "rejected artifact must be released")
}

func TestPlaybackDrainsQueueOnCancel(t *testing.T) {
	files := newTestFiles(t)
	player := &fakePlayer{gate: make(chan struct{})}
	p := newPlayback(player, readyNow, 4, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.run(ctx)
		close(done)
	}()

	a, _ := files.NewFile(".wav")
	b, _ := files.NewFile(".wav")
	require.NoError(t, p.Play(ctx, a))
	require.NoError(t, p.Play(ctx, b))

	require.Eventually(t, func() bool {
		return len(player.played()) == 1
	}, time.Second, 2*time.Millisecond)

	cancel()
	<-done

	// The queued artifact never plays and is released.
	assert.Len(t, player.played(), 1)
	_, statErr := os.Stat(b.Path())
	assert.True(t, os.IsNotExist(statErr))
}
