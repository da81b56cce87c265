package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/xaenox/autoreply-bot/internal/assistant"
	"github.com/xaenox/autoreply-bot/internal/autoreply"
	"github.com/xaenox/autoreply-bot/internal/bot"
	"github.com/xaenox/autoreply-bot/internal/wizard"
	"github.com/xaenox/autoreply-bot/pkg/config"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bot",
	Short: "Telegram bot that answers channel comments with OpenAI",
	Long: `Runs the channel auto-reply bot. Channel owners register their channels
and OpenAI key through a private chat with the bot; messages in registered
channels are then answered automatically within the configured hours.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.AddCommand(exportCmd, importCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}

	// Initialize logger
	logger := newLogger(cfg)
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize storage
	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err), zap.String("driver", cfg.Database.Driver))
		return err
	}
	defer store.Close()

	hist, err := openHistory(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize history", zap.Error(err), zap.String("backend", cfg.History.Backend))
		return err
	}
	defer hist.Close()

	api, err := bot.NewAPI(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		logger.Error("Failed to connect to Telegram", zap.Error(err))
		return err
	}

	responder := assistant.NewGPTResponder(cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout, logger.Named("assistant"))
	wiz := wizard.New(store, bot.NewChannelResolver(api), responder,
		wizard.Config{StateTTL: cfg.Wizard.StateTTL}, logger.Named("wizard"))
	gate := autoreply.NewGate(store, responder, hist,
		autoreply.Config{ContextSize: cfg.History.Size, Location: loc}, logger.Named("autoreply"))

	b := bot.New(api, wiz, gate, bot.Options{PollTimeout: cfg.Telegram.PollTimeout}, logger)

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
		return err
	}
	return nil
}
