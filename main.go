package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jarvis/audio"
	"jarvis/discordbot"
	"jarvis/llm"
	"jarvis/pipeline"
	"jarvis/retry"
	"jarvis/stt"
	"jarvis/tmp"
	"jarvis/tts"
	"jarvis/voice"
	"jarvis/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(discordCmd)

	rootCmd.PersistentFlags().String("discord-token", "", "Discord bot token")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().
		String("elevenlabs-api-key", "", "ElevenLabs API key (fallback TTS)")
	rootCmd.PersistentFlags().Int("http-port", 3000, "Keep-alive HTTP port")

	viper.BindPFlag(
		"discord_token",
		rootCmd.PersistentFlags().Lookup("discord-token"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"elevenlabs_api_key",
		rootCmd.PersistentFlags().Lookup("elevenlabs-api-key"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))

	discordCmd.Flags().String("tts-voice", "echo", "TTS voice")
	discordCmd.Flags().Float64("tts-speed", 0.95, "TTS speech speed")
	discordCmd.Flags().String("language", "fr", "Transcription language hint")
	discordCmd.Flags().
		Int("silence-ms", 1000, "Silence duration that ends an utterance")
	viper.BindPFlag("tts_voice", discordCmd.Flags().Lookup("tts-voice"))
	viper.BindPFlag("tts_speed", discordCmd.Flags().Lookup("tts-speed"))
	viper.BindPFlag("language", discordCmd.Flags().Lookup("language"))
	viper.BindPFlag("silence_ms", discordCmd.Flags().Lookup("silence-ms"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("greeting",
		"Salut ! Je suis prêt à discuter avec vous. Parlez-moi et je vous répondrai !")
	viper.SetDefault("default_style",
		"Tu es Jarvis, un assistant intelligent. Répond de manière naturelle et respectueuse, avec un ton masculin et un peu drôle.")
	viper.SetDefault("max_concurrent_jobs", pipeline.DefaultMaxConcurrent)

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("No config file loaded: %s\n", err)
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "jarvis",
	Short: "Jarvis is a Discord voice conversation bot",
	Long:  `Jarvis joins a voice channel, listens, and talks back: speech is transcribed, answered by a language model, and synthesized into the channel.`,
}

var discordCmd = &cobra.Command{
	Use:   "discord",
	Short: "Start the Discord bot",
	Run:   runDiscord,
}

func runDiscord(cmd *cobra.Command, args []string) {
	token := viper.GetString("discord_token")
	if token == "" {
		logger.Fatal("discord_token is required")
	}
	openaiKey := viper.GetString("openai_api_key")
	if openaiKey == "" {
		logger.Fatal("openai_api_key is required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Fatal("failed to create discord session", "error", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	files, err := tmp.NewManager(
		filepath.Join(os.TempDir(), "jarvis"), logger)
	if err != nil {
		logger.Fatal("failed to create temp manager", "error", err)
	}
	defer files.Close()

	transcoder := audio.NewTranscoder(files, logger)
	transcriber := stt.NewWhisperTranscriber(openaiKey)
	generator := llm.NewOpenAIGenerator(openaiKey, viper.GetString("llm_model"))

	var fallback tts.Synthesizer
	if key := viper.GetString("elevenlabs_api_key"); key != "" {
		fallback = tts.NewElevenLabsSynthesizer(key, viper.GetString("elevenlabs_voice"))
	}
	synthesizer := tts.NewFallbackSynthesizer(
		tts.NewOpenAISynthesizer(
			openaiKey,
			viper.GetString("tts_voice"),
			viper.GetFloat64("tts_speed"),
		),
		fallback,
		logger,
	)

	policy := retry.New(retry.DefaultMaxAttempts, logger)
	pipelines := func() *pipeline.Pipeline {
		return pipeline.New(
			transcriber, generator, synthesizer, transcoder,
			files, policy,
			pipeline.Config{
				LanguageHint:  viper.GetString("language"),
				DefaultStyle:  viper.GetString("default_style"),
				Styles:        viper.GetStringMapString("speaker_styles"),
				MaxConcurrent: viper.GetInt64("max_concurrent_jobs"),
			},
			logger,
		)
	}

	var bot *discordbot.Bot
	sessions := voice.NewManager(
		discordbot.NewTransport(dg, logger),
		pipelines,
		files,
		voice.Config{
			SilenceTimeout: time.Duration(viper.GetInt("silence_ms")) * time.Millisecond,
			Greeting:       viper.GetString("greeting"),
			Report: func(guildID, message string) {
				if bot != nil {
					bot.Report(guildID, message)
				}
			},
		},
		logger,
	)
	bot = discordbot.NewBot(dg, sessions, logger)

	if err := dg.Open(); err != nil {
		logger.Fatal("failed to open discord connection", "error", err)
	}
	defer dg.Close()
	logger.Info("bot connected", "user", dg.State.User.Username)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := web.Serve(ctx, viper.GetInt("http_port"), logger); err != nil {
			logger.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	bot.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
