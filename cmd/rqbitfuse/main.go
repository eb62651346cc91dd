// Command rqbitfuse mounts a remote torrent daemon's swarm as a
// read-only FUSE filesystem.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rqbitfuse/rqbitfuse/apiclient"
	"github.com/rqbitfuse/rqbitfuse/bridge"
	"github.com/rqbitfuse/rqbitfuse/config"
	"github.com/rqbitfuse/rqbitfuse/fusefs"
	"github.com/rqbitfuse/rqbitfuse/logging"
	"github.com/rqbitfuse/rqbitfuse/statusapi"
	"github.com/rqbitfuse/rqbitfuse/stream"
)

func main() {
	app := &cli.App{
		Name:  "rqbitfuse",
		Usage: "project a torrent daemon's swarm as a read-only filesystem",
		Commands: []*cli.Command{
			mountCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:  "mount",
		Usage: "mount the swarm at a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to a YAML configuration file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mount-point",
				Usage: "override the config file's mount_point",
			},
		},
		Action: runMount,
	}
}

func runMount(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if mp := c.String("mount-point"); mp != "" {
		cfg.MountPoint = mp
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Init(cfg.Logging)

	client := apiclient.New(apiclient.Config{
		BaseURL:          cfg.Daemon.BaseURL,
		Username:         cfg.Daemon.Username,
		Password:         cfg.Daemon.Password,
		RequestTimeout:   cfg.Daemon.RequestTimeout,
		FailureThreshold: cfg.Daemon.FailureThreshold,
		BreakerTimeout:   cfg.Daemon.BreakerTimeout,
		MaxAttempts:      cfg.Daemon.MaxAttempts,
		RetryDelay:       cfg.Daemon.RetryDelay,
	})

	streams := stream.New(client, stream.Config{MaxStreams: cfg.Streams.MaxStreams})

	br := bridge.New(bridge.Config{
		QueueCapacity: cfg.Bridge.QueueCapacity,
		OpTimeout:     cfg.Bridge.OpTimeout,
		Grace:         cfg.Bridge.Grace,
	},
		streams.Read,
		client.HasPiece,
		func(ctx context.Context, torrentID string) error {
			streams.CloseTorrentStreams(torrentID)
			return nil
		},
	)

	fs := fusefs.New(fusefs.Config{
		HandleTTL:    cfg.Handles.TTL,
		HandleSweep:  cfg.Handles.Sweep,
		SyncInterval: cfg.SyncInterval,
		AllowOther:   cfg.AllowOther,
		MaxInodes:    cfg.MaxInodes,
	}, client, br, streams)

	var statusSrv *http.Server
	if cfg.StatusAPI.Enabled {
		srv := statusapi.NewServer(statusapi.Deps{
			Client:     client,
			Handles:    fs.Handles(),
			Streams:    streams,
			Bridge:     br,
			CacheStats: client.CacheStats,
		}, logger)
		statusSrv = &http.Server{Addr: cfg.StatusAPI.Addr, Handler: srv.Handler()}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("status api server stopped")
			}
		}()
	}

	mounter := fusefs.NewMounter(fs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		if statusSrv != nil {
			_ = statusSrv.Shutdown(context.Background())
		}
		mounter.Unmount()
		streams.Close()
		client.Close()
	}()

	logger.Info().Str("mount_point", cfg.MountPoint).Msg("mounting")
	return mounter.Mount(cfg.MountPoint)
}
