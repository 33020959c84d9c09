package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/chatrelay/delivery-core/internal/config"
)

const (
	ServiceName      = "delivery-core"
	ServiceNamespace = "chatrelay"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run is the process entrypoint: parse CLI flags, load configuration,
// build the fx graph, and block until an OS signal asks for shutdown.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Real-time chat delivery core",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the websocket delivery server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "listen_addr",
				Usage: "Address the websocket server listens on",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
			flags.String("listen_addr", c.String("listen_addr"), "")

			log := ProvideLogger()

			loader, err := config.New(flags, c.String("config_file"), log)
			if err != nil {
				return err
			}
			tunables, err := loader.Load()
			if err != nil {
				return err
			}
			if addr := c.String("listen_addr"); addr != "" {
				tunables.ListenAddr = addr
			}

			app := NewApp(tunables, loader, log)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("SHUTTING_DOWN")
			return app.Stop(context.Background())
		},
	}
}
