// Command shake reads, buys, publishes and reviews
// articles from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	urfave "github.com/urfave/cli/v2"

	shake "github.com/i5heu/shake-gate"
	"github.com/i5heu/shake-gate/internal/config"
	"github.com/i5heu/shake-gate/pkg/logging"
)

const (
	logKeyArticle = "article"
	logKeyAddress = "address"
	logKeyListen  = "listen"
	logKeyServer  = "serverId"
	logKeySignal  = "signal"
	logKeyError   = "error"
)

func main() {
	app := &urfave.App{
		Name:  "shake",
		Usage: "pay-to-read publishing on a public ledger",
		Flags: []urfave.Flag{
			&urfave.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{config.PathEnv},
			},
			&urfave.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Commands: []*urfave.Command{
			viewCommand,
			accessCommand,
			purchaseCommand,
			publishCommand,
			registerCommand,
			profileCommand,
			reviewsCommand,
			reviewCommand,
			voteCommand,
			keygenCommand,
			keyserverCommand,
		},
		Action: func(c *urfave.Context) error {
			urfave.ShowAppHelpAndExit(c, 1)
			return nil
		},
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logging.Logger.Error("shake failed", logKeyError, err)
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Logger.Info("received shutdown signal", logKeySignal, sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func loadConfig(c *urfave.Context) (shake.Config, error) {
	file, err := config.Load(c.String("config"))
	if err != nil {
		return shake.Config{}, err
	}
	if c.Bool("debug") {
		file.LogLevel = "debug"
	}
	conf, err := file.Shake()
	if err != nil {
		return shake.Config{}, err
	}
	logging.Logger = conf.Logger
	return conf, nil
}

// startClient loads the config and starts a client. The
// caller closes it.
func startClient(c *urfave.Context) (*shake.Client, *slog.Logger, error) {
	conf, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	client, err := shake.New(conf)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Start(c.Context); err != nil {
		return nil, nil, fmt.Errorf("start client: %w", err)
	}
	return client, conf.Logger, nil
}
