package voice

import (
	"sync"
	"time"

	"jarvis/snd"
)

// CaptureState is the lifecycle of one speaker's utterance capture.
type CaptureState int

const (
	CaptureListening CaptureState = iota
	CaptureFinalizing
	CaptureDone
)

const DefaultSilenceTimeout = 1000 * time.Millisecond

// CaptureSession accumulates one speaker's frames until the silence
// timeout elapses, then emits the finished buffer. Zero-frame buffers are
// discarded without emitting.
type CaptureSession struct {
	speakerID string
	silence   time.Duration
	onFinal   func(speakerID string, buf *snd.Buffer)

	mu    sync.Mutex
	state CaptureState
	buf   *snd.Buffer
	timer *time.Timer
}

func newCaptureSession(
	speakerID string,
	silence time.Duration,
	onFinal func(speakerID string, buf *snd.Buffer),
) *CaptureSession {
	if silence <= 0 {
		silence = DefaultSilenceTimeout
	}
	c := &CaptureSession{
		speakerID: speakerID,
		silence:   silence,
		onFinal:   onFinal,
		buf:       snd.NewBuffer(time.Now()),
	}
	c.timer = time.AfterFunc(silence, c.onSilenceElapsed)
	return c
}

func (c *CaptureSession) SpeakerID() string { return c.speakerID }

func (c *CaptureSession) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnFrame appends a frame and pushes the silence deadline out. Frames
// arriving after finalization began are dropped.
func (c *CaptureSession) OnFrame(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CaptureListening {
		return
	}
	c.buf.Append(snd.Frame{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Opus:      f.Opus,
	})
	c.timer.Reset(c.silence)
}

func (c *CaptureSession) onSilenceElapsed() {
	c.mu.Lock()
	if c.state != CaptureListening {
		c.mu.Unlock()
		return
	}
	c.state = CaptureFinalizing
	buf := c.buf
	c.mu.Unlock()

	if buf.Len() > 0 {
		c.onFinal(c.speakerID, buf)
	}

	c.mu.Lock()
	c.state = CaptureDone
	c.mu.Unlock()
}

// Cancel stops the session without emitting anything. Used when the
// owning voice session is destroyed.
func (c *CaptureSession) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CaptureListening {
		c.timer.Stop()
	}
	c.state = CaptureDone
}
