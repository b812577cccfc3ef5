// advbbsd runs a federated store-and-forward BBS over a mesh radio bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/advbbs/advbbs/bbs"
	"github.com/advbbs/advbbs/config"
	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

func main() {
	app := &cli.App{
		Name:  "advbbsd",
		Usage: "federated store-and-forward BBS for mesh radio",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "override database.path from the config",
			},
			&cli.StringFlag{
				Name:  "bridge",
				Value: "127.0.0.1:2442",
				Usage: "address of the radio bridge",
			},
			&cli.StringFlag{
				Name:  "passphrase-env",
				Value: "ADVBBS_PASSPHRASE",
				Usage: "environment variable holding the operator passphrase",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "trace, debug, info, warn, or error",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit JSON log lines",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("bad log level: %w", err)
	}
	logrus.SetLevel(level)
	if c.Bool("log-json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.Database.Path = dir
	}

	passphrase := os.Getenv(c.String("passphrase-env"))
	if passphrase == "" {
		return fmt.Errorf("operator passphrase missing: set %s", c.String("passphrase-env"))
	}

	tr, err := transport.DialBridge(c.String("bridge"), 10*time.Second)
	if err != nil {
		return err
	}
	defer tr.Close()

	b, err := bbs.Open(cfg, passphrase, tr)
	switch {
	case errors.Is(err, keyring.ErrWrongPassphrase):
		return fmt.Errorf("wrong operator passphrase; without it no stored key can be recovered")
	case errors.Is(err, store.ErrCorrupt):
		return fmt.Errorf("database is corrupt: %w", err)
	case err != nil:
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logrus.Info("shut down")
	return nil
}
