package discordbot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"jarvis/audio"
	"jarvis/snd"
	"jarvis/voice"
)

// inboundBuffer holds 3 seconds of 20 ms opus frames.
const inboundBuffer = 3 * 1000 / 20

// Transport adapts a discordgo session to the voice engine's transport
// contract.
type Transport struct {
	discord *discordgo.Session
	log     *log.Logger
}

func NewTransport(discord *discordgo.Session, logger *log.Logger) *Transport {
	return &Transport{discord: discord, log: logger}
}

func (t *Transport) Connect(
	ctx context.Context,
	guildID, channelID string,
) (voice.Conn, error) {
	c := &conn{
		log:      t.log.With("guild", guildID, "channel", channelID),
		frames:   make(chan voice.Frame, inboundBuffer),
		states:   make(chan voice.ConnState, 8),
		speakers: make(map[uint32]string),
		done:     make(chan struct{}),
	}
	c.pushState(voice.StateConnecting)

	vc, err := t.discord.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("join voice channel: %w", err)
	}
	c.vc = vc
	c.self = t.discord.State.User.ID
	c.pushState(voice.StateSignalling)

	vc.AddHandler(c.handleSpeakingUpdate)

	go c.watchReady()
	go c.recvLoop()

	t.log.Info("joined voice channel", "guild", guildID, "channel", channelID)
	return c, nil
}

type conn struct {
	vc   *discordgo.VoiceConnection
	self string
	log  *log.Logger

	frames chan voice.Frame
	states chan voice.ConnState

	mu       sync.Mutex
	speakers map[uint32]string // SSRC → user ID

	playMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) Frames() <-chan voice.Frame     { return c.frames }
func (c *conn) States() <-chan voice.ConnState { return c.states }
func (c *conn) SelfID() string                 { return c.self }

func (c *conn) pushState(s voice.ConnState) {
	select {
	case <-c.done:
	case c.states <- s:
	default:
		c.log.Warn("state channel full, dropping transition", "state", s)
	}
}

// watchReady polls the underlying connection until it reports ready.
// discordgo performs the voice handshake in the background.
func (c *conn) watchReady() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.vc.Ready {
				c.pushState(voice.StateReady)
				return
			}
		}
	}
}

func (c *conn) handleSpeakingUpdate(
	_ *discordgo.VoiceConnection,
	v *discordgo.VoiceSpeakingUpdate,
) {
	c.mu.Lock()
	c.speakers[uint32(v.SSRC)] = v.UserID
	c.mu.Unlock()
	c.log.Debug("speaking update",
		"user", v.UserID, "ssrc", v.SSRC, "speaking", v.Speaking)
}

func (c *conn) speakerFor(ssrc uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if userID, ok := c.speakers[ssrc]; ok {
		return userID
	}
	// No speaking update seen yet; the SSRC is still a stable identity.
	return fmt.Sprintf("ssrc:%d", ssrc)
}

func (c *conn) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		case packet, ok := <-c.vc.OpusRecv:
			if !ok {
				// OpusRecv closed: the link is gone.
				c.pushState(voice.StateDisconnected)
				return
			}
			frame := voice.Frame{
				SpeakerID: c.speakerFor(packet.SSRC),
				Sequence:  packet.Sequence,
				Timestamp: packet.Timestamp,
				Opus:      packet.Opus,
			}
			select {
			case <-c.done:
				return
			case c.frames <- frame:
			default:
				c.log.Warn("voice frame buffer full, dropping packet",
					"ssrc", packet.SSRC)
			}
		}
	}
}

// Play streams a 48 kHz wav file into the channel as paced opus frames.
// Serialized per connection; the engine's playback controller is the only
// caller.
func (c *conn) Play(ctx context.Context, wavPath string) error {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	wav, err := audio.ReadWav(wavPath)
	if err != nil {
		return err
	}
	if wav.SampleRate != snd.SampleRate {
		return fmt.Errorf("playback wants %d Hz, got %d Hz",
			snd.SampleRate, wav.SampleRate)
	}

	encoder, err := snd.NewEncoder()
	if err != nil {
		return err
	}

	if err := c.vc.Speaking(true); err != nil {
		return &voice.TransportError{Op: "speaking", Err: err}
	}
	defer func() {
		if err := c.vc.Speaking(false); err != nil {
			c.log.Warn("clear speaking state", "error", err)
		}
	}()

	ticker := time.NewTicker(snd.OpusFrameDuration)
	defer ticker.Stop()

	for _, frame := range wav.MonoFrames(snd.FrameSize) {
		packet, err := encoder.Encode(frame)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return &voice.TransportError{
				Op: "send", Err: fmt.Errorf("connection closed"),
			}
		case c.vc.OpusSend <- packet:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if err := c.vc.Disconnect(); err != nil {
		return &voice.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}
