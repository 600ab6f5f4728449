package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const (
	ConfigFlag      = "config"
	ServerURLFlag   = "server-url"
	TokenFlag       = "token"
	SupplierIDFlag  = "supplier-id"
	UsernameFlag    = "username"
	ServiceAreaFlag = "service-area"
	HeartbeatFlag   = "heartbeat"
	StateDirFlag    = "state-dir"
	HistoryURLFlag  = "history-url"
	KeepFlag        = "keep-tracking"
)

var agentCmd = cli.Command{
	Name:  "supplieragent",
	Usage: "publish a supplier's presence and watch the live supplier map",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  ConfigFlag,
			Usage: "path to a YAML config file",
		},
		&cli.StringFlag{
			Name:  ServerURLFlag,
			Usage: "presence websocket url",
		},
		&cli.StringFlag{
			Name:  TokenFlag,
			Usage: "bearer token for the presence service",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "track",
			Usage:  "track this device and publish its location",
			Action: RunTrack,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  SupplierIDFlag,
					Usage: "supplier id to publish as",
				},
				&cli.StringFlag{
					Name:  UsernameFlag,
					Usage: "display name shown to buyers",
				},
				&cli.StringFlag{
					Name:  ServiceAreaFlag,
					Usage: "free-form service area",
				},
				&cli.DurationFlag{
					Name:  HeartbeatFlag,
					Usage: "interval between forced location samples",
				},
				&cli.StringFlag{
					Name:  StateDirFlag,
					Usage: "directory for the resume flag, empty keeps it in memory",
				},
				&cli.StringFlag{
					Name:  HistoryURLFlag,
					Usage: "history endpoint for durable samples",
				},
				&cli.BoolFlag{
					Name:  KeepFlag,
					Usage: "leave tracking flagged on exit so the next launch resumes",
				},
			},
		},
		{
			Name:   "watch",
			Usage:  "print the live list of active suppliers",
			Action: RunWatch,
		},
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := agentCmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
