package voice

import (
	"context"

	"github.com/charmbracelet/log"

	"jarvis/tmp"
)

// PlayState is the playback controller's state machine.
type PlayState int

const (
	PlayIdle PlayState = iota
	PlayPlaying
	PlayError
)

func (s PlayState) String() string {
	switch s {
	case PlayIdle:
		return "idle"
	case PlayPlaying:
		return "playing"
	case PlayError:
		return "error"
	}
	return "unknown"
}

const DefaultQueueSize = 16

type player interface {
	Play(ctx context.Context, wavPath string) error
}

// Playback serializes audio output for one session. Exactly one artifact
// plays at a time; later Play calls queue FIFO behind it. The played
// artifact is released on the transition back to idle.
type Playback struct {
	conn       player
	awaitReady func(ctx context.Context) error
	queue      chan *tmp.Artifact
	log        *log.Logger

	stateCh chan PlayState
	// observe, when set before start, sees every state transition.
	observe func(PlayState)
}

func newPlayback(
	conn player,
	awaitReady func(ctx context.Context) error,
	queueSize int,
	logger *log.Logger,
) *Playback {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Playback{
		conn:       conn,
		awaitReady: awaitReady,
		queue:      make(chan *tmp.Artifact, queueSize),
		log:        logger,
		stateCh:    make(chan PlayState, 1),
	}
	p.stateCh <- PlayIdle
	return p
}

func (p *Playback) setState(s PlayState) {
	<-p.stateCh
	p.stateCh <- s
	if p.observe != nil {
		p.observe(s)
	}
}

func (p *Playback) State() PlayState {
	s := <-p.stateCh
	p.stateCh <- s
	return s
}

// Play enqueues the artifact, taking ownership. It never interrupts the
// artifact currently playing.
func (p *Playback) Play(ctx context.Context, a *tmp.Artifact) error {
	select {
	case <-ctx.Done():
		a.Release()
		return ctx.Err()
	case p.queue <- a:
		return nil
	default:
		a.Release()
		return ErrQueueFull
	}
}

// run drains the queue until ctx is cancelled, then releases whatever is
// still queued so nothing partial ever plays after teardown.
func (p *Playback) run(ctx context.Context) {
	defer p.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-p.queue:
			p.playOne(ctx, a)
		}
	}
}

func (p *Playback) playOne(ctx context.Context, a *tmp.Artifact) {
	defer a.Release()

	if err := p.awaitReady(ctx); err != nil {
		p.log.Warn("dropping playback, connection not ready", "error", err)
		p.setState(PlayError)
		p.setState(PlayIdle)
		return
	}

	p.setState(PlayPlaying)
	if err := p.conn.Play(ctx, a.Path()); err != nil && ctx.Err() == nil {
		p.log.Error("playback failed", "path", a.Path(), "error", err)
		p.setState(PlayError)
	}
	p.setState(PlayIdle)
}

func (p *Playback) drain() {
	for {
		select {
		case a := <-p.queue:
			a.Release()
		default:
			return
		}
	}
}
