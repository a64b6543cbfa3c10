package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/john/streambot/internal/config"
	"github.com/john/streambot/internal/dispatch"
	"github.com/john/streambot/internal/event"
	"github.com/john/streambot/internal/eventsub"
	"github.com/john/streambot/internal/kick"
	"github.com/john/streambot/internal/metrics"
	"github.com/john/streambot/internal/overlay"
	"github.com/john/streambot/internal/player"
	"github.com/john/streambot/internal/queue"
	"github.com/john/streambot/internal/recorder"
	"github.com/john/streambot/internal/resolve"
	"github.com/john/streambot/internal/server"
	"github.com/john/streambot/internal/twitch"
	"github.com/john/streambot/internal/uploader"
)

const (
	busSize         = 256
	uploadQueueSize = 100
	shutdownTimeout = 30 * time.Second
)

func stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, event.ErrBusClosed)
}

// run wires every component and blocks until ctx is done or a required
// component fails. Producers stop first, then the bus is closed and the
// dispatcher drains what is left.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Streambot starting", zap.String("channel", cfg.Twitch.Channel))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := event.NewBus(busSize)
	q := queue.New(cfg.Queue.Capacity)
	requests := make(chan queue.Request, 1)

	chat := twitch.New(twitch.Options{
		URL:            cfg.Twitch.IRCURL,
		Username:       cfg.Twitch.Username,
		OAuth:          cfg.Twitch.OAuth,
		Channel:        cfg.Twitch.Channel,
		Prefix:         cfg.Twitch.CommandPrefix,
		MessagesPer30s: cfg.Twitch.MessagesPer30s,
	}, bus, logger, m)

	var titles dispatch.TitleService
	var notifications *eventsub.Client
	if cfg.NotificationsEnabled() {
		api, err := twitch.NewHelix(twitch.HelixOptions{
			ClientID:      cfg.Twitch.ClientID,
			OAuth:         cfg.Twitch.OAuth,
			BroadcasterID: cfg.Twitch.BroadcasterID,
		})
		if err != nil {
			return err
		}
		titles = api
		notifications = eventsub.New(cfg.Twitch.EventSubURL, nil, api, bus, logger, m)
	} else {
		logger.Warn("Notifications disabled: twitch.client_id and twitch.broadcaster_id are required")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Player.Launch {
		proc, err := player.Launch(gctx, cfg.Player.Binary, cfg.Player.IPCSocket, cfg.Player.StartVolume, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := proc.Wait()
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("player process exited: %w", err)
		})
	}

	ipc, err := player.Connect(gctx, cfg.Player.IPCSocket, logger)
	if err != nil {
		return err
	}
	defer ipc.Close()
	bridge := player.NewBridge(ipc, q, bus, requests, logger)

	resolver := resolve.New(resolve.Options{
		OEmbedURL:         cfg.Resolver.OEmbedURL,
		SearchURL:         cfg.Resolver.SearchURL,
		APIKey:            cfg.Resolver.YouTubeAPIKey,
		RequestsPerSecond: cfg.Resolver.RequestsPerSecond,
	}, logger, m)

	hub := overlay.NewHub(overlay.Options{}, q.Snapshot, logger, m)
	srv := server.New(cfg.Overlay.Addr, server.NewRouter(hub.ServeWS, reg, logger), logger)

	// The journal outlives the dispatcher so the last records are flushed.
	var journal dispatch.Journal
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	var journalDone sync.WaitGroup
	if cfg.Recorder.Enabled {
		rec := recorder.New(recorder.Options{
			OutputDir:       cfg.Recorder.OutputDir,
			Channel:         cfg.Twitch.Channel,
			BufferSize:      cfg.Recorder.BufferSize,
			RotateMinutes:   cfg.Recorder.RotateMinutes,
			RotateMegabytes: cfg.Recorder.RotateMegabytes,
		}, logger, m)
		journal = rec

		fileChan := make(chan string, uploadQueueSize)
		if cfg.UploadEnabled() {
			up, err := uploader.New(gctx, uploader.Options{
				Bucket:          cfg.S3.Bucket,
				Region:          cfg.S3.Region,
				RoleARN:         cfg.S3.RoleARN,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: cfg.S3.SecretAccessKey,
				DeleteAfter:     cfg.Uploader.DeleteAfterUpload,
				MaxRetries:      cfg.Uploader.MaxRetries,
			}, logger, m)
			if err != nil {
				return err
			}
			if err := up.ScanAndUploadExisting(gctx, cfg.Recorder.OutputDir); err != nil {
				logger.Warn("Failed to scan for existing journal files", zap.Error(err))
			}
			g.Go(func() error {
				if err := up.Start(gctx, fileChan); !stopped(err) {
					return fmt.Errorf("uploader: %w", err)
				}
				return nil
			})
		}

		journalDone.Add(1)
		go func() {
			defer journalDone.Done()
			if err := rec.Start(journalCtx, fileChan); !stopped(err) {
				logger.Error("Recorder stopped", zap.Error(err))
			}
		}()
	}

	disp := dispatch.New(dispatch.Deps{
		Bus:       bus,
		Queue:     q,
		Requests:  requests,
		Chat:      chat,
		Broadcast: hub,
		Player:    bridge,
		Resolver:  resolver,
		Titles:    titles,
		Journal:   journal,
	}, dispatch.Options{
		Owner:         cfg.Twitch.Channel,
		Canned:        cfg.Commands,
		VoteWindow:    cfg.VoteWindow(),
		VoteThreshold: cfg.Vote.Threshold,
	}, logger, m)

	// Producers publish onto the bus; the bus closes once all have returned.
	var producers sync.WaitGroup
	produce := func(name string, required bool, fn func(context.Context) error) {
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			err := fn(gctx)
			if stopped(err) {
				return nil
			}
			if !required {
				logger.Error("Optional component stopped", zap.String("component", name), zap.Error(err))
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	produce("twitch", true, chat.Start)
	produce("player", true, bridge.Run)
	if notifications != nil {
		produce("eventsub", false, notifications.Start)
	}
	if cfg.Kick.Enabled {
		channels := make([]kick.ChannelConfig, 0, len(cfg.Kick.Channels))
		for _, ch := range cfg.Kick.Channels {
			channels = append(channels, kick.ChannelConfig{Slug: ch.Slug, ChatroomID: ch.ChatroomID})
		}
		kickConn := kick.New(kick.Options{Channels: channels, Prefix: cfg.Twitch.CommandPrefix}, bus, logger)
		produce("kick", false, kickConn.Start)
	}

	g.Go(func() error {
		producers.Wait()
		bus.Close()
		return nil
	})
	g.Go(func() error {
		err := disp.Run(gctx)
		stopJournal()
		return err
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP server", zap.Error(err))
		}
		return nil
	})

	logger.Info("All components started")

	err = g.Wait()
	journalDone.Wait()
	if err != nil {
		logger.Error("Streambot stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Streambot stopped")
	return nil
}
