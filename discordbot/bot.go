// Package discordbot wires the voice engine to Discord: the transport
// implementation and the text-command surface that drives join, leave,
// and speak.
package discordbot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"jarvis/voice"
)

const joinTimeout = 10 * time.Second

type Bot struct {
	discord  *discordgo.Session
	sessions *voice.Manager
	log      *log.Logger

	mu           sync.Mutex
	textChannels map[string]string // guildID → channel the join came from

	removeHandler func()
}

func NewBot(
	discord *discordgo.Session,
	sessions *voice.Manager,
	logger *log.Logger,
) *Bot {
	bot := &Bot{
		discord:      discord,
		sessions:     sessions,
		log:          logger,
		textChannels: make(map[string]string),
	}
	bot.removeHandler = discord.AddHandler(bot.handleMessageCreate)
	return bot
}

func (bot *Bot) Close() {
	if bot.removeHandler != nil {
		bot.removeHandler()
	}
	bot.sessions.Close()
}

// Report delivers a session failure notice to the text channel the guild's
// join command came from. Passed to the voice manager as its reporter.
func (bot *Bot) Report(guildID, message string) {
	bot.mu.Lock()
	channelID := bot.textChannels[guildID]
	bot.mu.Unlock()
	if channelID == "" {
		return
	}
	if _, err := bot.discord.ChannelMessageSend(channelID, message); err != nil {
		bot.log.Error("failed to report to channel",
			"guild", guildID, "error", err)
	}
}

func (bot *Bot) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	fields := strings.Fields(m.Content)
	switch fields[0] {
	case "!join":
		bot.handleJoin(m)
	case "!leave":
		bot.handleLeave(m)
	case "!speak":
		bot.handleSpeak(m, strings.TrimSpace(
			strings.TrimPrefix(m.Content, fields[0])))
	}
}

func (bot *Bot) handleJoin(m *discordgo.MessageCreate) {
	channelID := bot.voiceChannelOf(m.GuildID, m.Author.ID)
	if channelID == "" {
		bot.reply(m, "Join a voice channel first!")
		return
	}

	bot.mu.Lock()
	bot.textChannels[m.GuildID] = m.ChannelID
	bot.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	if _, err := bot.sessions.Join(ctx, m.GuildID, channelID); err != nil {
		bot.log.Error("join failed", "guild", m.GuildID, "error", err)
		bot.reply(m, "I couldn't join the voice channel, please try again.")
		return
	}
	bot.reply(m, "Ready to listen and talk!")
}

func (bot *Bot) handleLeave(m *discordgo.MessageCreate) {
	if bot.sessions.Leave(m.GuildID) {
		bot.reply(m, "I left the voice channel.")
	} else {
		bot.reply(m, "I'm not in a voice channel.")
	}
}

func (bot *Bot) handleSpeak(m *discordgo.MessageCreate, text string) {
	if text == "" {
		bot.reply(m, "Usage: `!speak <message>`")
		return
	}
	session, ok := bot.sessions.Get(m.GuildID)
	if !ok {
		bot.reply(m, "I'm not in a voice channel — use `!join` first.")
		return
	}
	session.Speak(m.Author.ID, text)
}

func (bot *Bot) voiceChannelOf(guildID, userID string) string {
	guild, err := bot.discord.State.Guild(guildID)
	if err != nil {
		bot.log.Error("guild lookup failed", "guild", guildID, "error", err)
		return ""
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func (bot *Bot) reply(m *discordgo.MessageCreate, content string) {
	_, err := bot.discord.ChannelMessageSendReply(
		m.ChannelID, content, m.Reference())
	if err != nil {
		bot.log.Error("failed to reply", "channel", m.ChannelID, "error", err)
	}
}
