package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-chat/internal/handlers"
	"github.com/pelusa-v/pelusa-chat/internal/relay"
	"github.com/pelusa-v/pelusa-chat/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the chat relay",
		Long:  "Serve the websocket relay that stores messages, answers directory, history and presence queries, and pushes new messages to recipients.",
		Run:   runRelay,
	}

	cmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
	cmd.Flags().String("db", "", "SQLite database path (default from config)")

	RootCmd.AddCommand(cmd)
}

func runRelay(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("config", err)
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Relay.Listen = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Relay.DBPath = v
	}
	logger := cfg.Log.NewLogger()

	st, err := store.NewSQLiteStore(cfg.Relay.DBPath)
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	ctx, stop := signalContext()
	defer stop()

	// 启动中继管理器
	manager := relay.NewManager(st, logger)
	manager.Topic = cfg.Relay.Topic
	go manager.Start(ctx)

	app := handlers.NewRelayApp(manager)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down relay")
		app.ShutdownWithTimeout(5 * time.Second)
	}()

	logger.Info("relay listening", "addr", cfg.Relay.Listen, "db", cfg.Relay.DBPath, "topic", cfg.Relay.Topic)
	if err := app.Listen(cfg.Relay.Listen); err != nil {
		exitErr("listen", err)
	}
}
