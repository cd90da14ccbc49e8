package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/handlers"
	"github.com/pelusa-v/pelusa-chat/internal/remote"
)

func init() {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the chat client API",
		Long:  "Connect to a relay and serve the view-layer API: sign in, open threads, send messages, and stream the selected thread live.",
		Run:   runClient,
	}

	cmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
	cmd.Flags().String("relay", "", "Relay websocket URL (default from config)")
	cmd.Flags().StringP("user", "u", "", "Sign in as this user at startup")

	RootCmd.AddCommand(cmd)
}

func runClient(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("config", err)
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Client.Listen = v
	}
	if v, _ := cmd.Flags().GetString("relay"); v != "" {
		cfg.Client.RelayURL = v
	}
	logger := cfg.Log.NewLogger()

	ctx, stop := signalContext()
	defer stop()

	conn, err := remote.Dial(ctx, cfg.Client.RelayURL, time.Duration(cfg.Client.RequestTimeout), logger)
	if err != nil {
		exitErr("connect relay", err)
	}
	defer conn.Close()

	session := chat.NewSession(cfg.Client.Session(), chat.Collaborators{
		Directory: conn,
		History:   conn,
		Sender:    conn,
		Presence:  conn,
		Push:      conn,
	}, logger)
	defer session.Stop()

	if user, _ := cmd.Flags().GetString("user"); user != "" {
		if err := conn.Login(ctx, user); err != nil {
			exitErr("login", err)
		}
		if err := session.Start(ctx, user); err != nil {
			exitErr("start session", err)
		}
	}

	app := handlers.NewSessionApp(session, conn)
	go func() {
		select {
		case <-ctx.Done():
		case <-conn.Done():
			logger.Warn("relay connection closed")
		}
		session.Stop()
		app.ShutdownWithTimeout(5 * time.Second)
	}()

	logger.Info("client listening", "addr", cfg.Client.Listen, "relay", cfg.Client.RelayURL)
	if err := app.Listen(cfg.Client.Listen); err != nil {
		exitErr("listen", err)
	}
}
