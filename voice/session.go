package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"jarvis/pipeline"
	"jarvis/retry"
	"jarvis/snd"
	"jarvis/tmp"
)

const DefaultReadyTimeout = 5 * time.Second

// Config is resolved once at session creation; there is no ambient
// mutable state behind a running session.
type Config struct {
	SilenceTimeout time.Duration
	ReadyTimeout   time.Duration
	QueueSize      int
	Greeting       string
	// Report delivers a short human-readable failure notice to the
	// command surface. Optional.
	Report func(guildID, message string)
}

// Manager owns every live voice session, at most one per guild. All
// mutation of session state goes through its operations.
type Manager struct {
	transport Transport
	pipelines func() *pipeline.Pipeline
	files     *tmp.Manager
	cfg       Config
	log       *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(
	transport Transport,
	pipelines func() *pipeline.Pipeline,
	files *tmp.Manager,
	cfg Config,
	logger *log.Logger,
) *Manager {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Manager{
		transport: transport,
		pipelines: pipelines,
		files:     files,
		cfg:       cfg,
		log:       logger,
		sessions:  make(map[string]*Session),
	}
}

// Join creates the guild's session or returns the existing one.
func (m *Manager) Join(
	ctx context.Context,
	guildID, channelID string,
) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[guildID]; ok {
		return s, nil
	}

	conn, err := m.transport.Connect(ctx, guildID, channelID)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	s := newSession(guildID, channelID, conn, m.pipelines(), m.files, m.cfg, m.log)
	m.sessions[guildID] = s
	s.start()

	m.log.Info("voice session created", "guild", guildID, "channel", channelID)
	return s, nil
}

// Leave tears the guild's session down. Reports false when none existed.
func (m *Manager) Leave(guildID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Destroy()
	m.log.Info("voice session destroyed", "guild", guildID)
	return true
}

// Get returns the guild's live session, if any.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// Close destroys every session. Used at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}

// Session is one guild's live conversation.
type Session struct {
	GuildID   string
	ChannelID string

	conn     Conn
	pipe     *pipeline.Pipeline
	playback *Playback
	files    *tmp.Manager
	cfg      Config
	log      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu       sync.Mutex
	state    ConnState
	captures map[string]*CaptureSession

	ready     chan struct{}
	readyOnce sync.Once
	greetOnce sync.Once

	destroyOnce sync.Once
}

func newSession(
	guildID, channelID string,
	conn Conn,
	pipe *pipeline.Pipeline,
	files *tmp.Manager,
	cfg Config,
	logger *log.Logger,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		GuildID:   guildID,
		ChannelID: channelID,
		conn:      conn,
		pipe:      pipe,
		files:     files,
		cfg:       cfg,
		log:       logger.With("guild", guildID),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		captures:  make(map[string]*CaptureSession),
		ready:     make(chan struct{}),
	}
	s.playback = newPlayback(conn, s.AwaitReady, cfg.QueueSize, s.log)
	return s
}

func (s *Session) start() {
	s.g, _ = errgroup.WithContext(s.ctx)
	s.g.Go(func() error {
		s.playback.run(s.ctx)
		return nil
	})
	s.g.Go(s.stateLoop)
	s.g.Go(s.frameLoop)
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = st
	s.mu.Unlock()

	if old != st {
		s.log.Info("connection state", "from", old, "to", st)
	}
	if st == StateReady {
		s.readyOnce.Do(func() { close(s.ready) })
		s.greetOnce.Do(s.greet)
	}
}

func (s *Session) stateLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case st, ok := <-s.conn.States():
			if !ok {
				// The transport dropped the link.
				if s.State() != StateDestroyed {
					s.setState(StateDisconnected)
				}
				return nil
			}
			s.setState(st)
		}
	}
}

func (s *Session) frameLoop() error {
	selfID := s.conn.SelfID()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case f, ok := <-s.conn.Frames():
			if !ok {
				return nil
			}
			if f.SpeakerID == selfID {
				// Self-echo guard: never capture our own voice.
				continue
			}
			if st := s.State(); st != StateReady {
				s.log.Debug("dropping frame, connection not ready",
					"speaker", f.SpeakerID, "state", st)
				continue
			}
			s.dispatchFrame(f)
		}
	}
}

func (s *Session) dispatchFrame(f Frame) {
	s.mu.Lock()
	c, ok := s.captures[f.SpeakerID]
	if !ok || c.State() != CaptureListening {
		c = newCaptureSession(f.SpeakerID, s.cfg.SilenceTimeout, s.onUtterance)
		s.captures[f.SpeakerID] = c
		s.log.Debug("speaker started", "speaker", f.SpeakerID)
	}
	s.mu.Unlock()

	c.OnFrame(f)
}

// onUtterance runs on the capture session's silence timer once a non-empty
// buffer is finalized.
func (s *Session) onUtterance(speakerID string, buf *snd.Buffer) {
	s.mu.Lock()
	delete(s.captures, speakerID)
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	s.log.Info("utterance finalized",
		"speaker", speakerID,
		"frames", buf.Len(),
		"duration", buf.Duration(),
	)

	artifact, err := s.writeCapture(buf)
	if err != nil {
		s.log.Error("failed to persist capture", "speaker", speakerID, "error", err)
		return
	}

	job := s.pipe.NewJob(speakerID, artifact)
	if !s.spawn(func() { s.runJob(job) }) {
		artifact.Release()
	}
}

// spawn runs fn on the session's worker group unless the session is
// already destroyed. Reports whether fn was scheduled.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return false
	}
	s.g.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (s *Session) writeCapture(buf *snd.Buffer) (*tmp.Artifact, error) {
	artifact, err := s.files.NewFile(".ogg")
	if err != nil {
		return nil, err
	}
	f, err := os.Create(artifact.Path())
	if err != nil {
		artifact.Release()
		return nil, err
	}
	if err := buf.WriteOgg(f); err != nil {
		f.Close()
		artifact.Release()
		return nil, err
	}
	if err := f.Close(); err != nil {
		artifact.Release()
		return nil, err
	}
	return artifact, nil
}

func (s *Session) runJob(job *pipeline.Job) {
	err := s.pipe.Run(s.ctx, job, s.playback)
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrEmptyTranscript):
		s.log.Debug("utterance had no transcript", "job", job.ID)
	case errors.Is(err, context.Canceled):
	default:
		s.log.Error("pipeline job failed",
			"job", job.ID, "speaker", job.SpeakerID, "error", err)
		s.report(err)
	}
}

// report turns a pipeline failure into a short user-facing notice,
// distinguishing transient conditions from ones needing a manual retry.
func (s *Session) report(err error) {
	if s.cfg.Report == nil {
		return
	}
	var msg string
	switch {
	case errors.Is(err, retry.ErrRateLimitExhausted):
		msg = "I'm being rate limited — give me a few seconds and try again."
	case errors.Is(err, pipeline.ErrBusy):
		msg = "I'm handling too many replies at once — try again shortly."
	case errors.Is(err, ErrConnectionNotReady):
		msg = "The voice connection isn't ready yet — retrying may help."
	default:
		msg = "I couldn't produce a reply — please try again."
	}
	s.cfg.Report(s.GuildID, msg)
}

// greet synthesizes the greeting line as a normal pipeline job with no
// transcription stage. Runs once, on first entry to Ready.
func (s *Session) greet() {
	if s.cfg.Greeting == "" {
		return
	}
	job := s.pipe.NewPresetJob(s.conn.SelfID(), s.cfg.Greeting)
	s.spawn(func() { s.runJob(job) })
}

// Speak synthesizes arbitrary text into the channel, as the speak command
// requires. The job runs asynchronously; failures surface through Report.
func (s *Session) Speak(speakerID, text string) {
	job := s.pipe.NewPresetJob(speakerID, text)
	s.spawn(func() { s.runJob(job) })
}

// AwaitReady blocks until the connection reaches Ready, bounded by the
// configured timeout.
func (s *Session) AwaitReady(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrConnectionNotReady, s.cfg.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrConnectionNotReady
	}
}

// Playback exposes the session's playback controller as the pipeline sink.
func (s *Session) Playback() *Playback { return s.playback }

// Destroy cancels every capture session and in-flight job, discards the
// playback queue, and closes the transport connection. Idempotent.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDestroyed
		captures := make([]*CaptureSession, 0, len(s.captures))
		for _, c := range s.captures {
			captures = append(captures, c)
		}
		s.captures = make(map[string]*CaptureSession)
		s.mu.Unlock()

		for _, c := range captures {
			c.Cancel()
		}

		s.cancel()
		if err := s.conn.Close(); err != nil {
			s.log.Warn("transport close", "error", err)
		}
		s.g.Wait()
	})
}
