package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"landrop/agent"
	"landrop/config"
	"landrop/relay"
	"landrop/storage"
	"landrop/transfer"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := &cli.App{
		Name:  "landrop",
		Usage: "device discovery, pairing, and file/clipboard transfer on the local network or through a relay",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand(log),
			relayCommand(log),
			historyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the device agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "display name shown to other devices"},
			&cli.StringFlag{Name: "mode", Usage: "discovery mode: local or relay"},
			&cli.StringFlag{Name: "relay-url", Usage: "relay websocket endpoint"},
			&cli.IntFlag{Name: "port", Usage: "direct transfer listening port (0 picks one)"},
			&cli.StringFlag{Name: "downloads", Usage: "directory for received files"},
			&cli.StringSliceFlag{Name: "send", Usage: "file to send once a pairing is active (repeatable)"},
			&cli.StringFlag{Name: "clip", Usage: "clipboard text to send once a pairing is active"},
			&cli.StringFlag{Name: "to", Usage: "target device handle; empty broadcasts to all pairings"},
		},
		Action: func(c *cli.Context) error {
			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			if overrideConfig(cfg, c) {
				if err := config.Save(cfgPath, cfg); err != nil {
					return err
				}
			}

			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			a, err := agent.New(agent.Options{Config: cfg, Store: store, Log: log})
			if err != nil {
				return err
			}
			if err := a.Start(); err != nil {
				return err
			}
			defer a.Stop()

			log.WithFields(logrus.Fields{
				"name": cfg.DeviceName,
				"mode": cfg.Mode,
			}).Info("agent running, ctrl-c to stop")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pending := pendingSends(c)
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-a.Events():
					if !ok {
						return nil
					}
					printEvent(log, event)
					if event.Kind == agent.EventPaired && len(pending) > 0 {
						runSends(log, a, pending, c.String("to"))
						pending = nil
					}
				}
			}
		},
	}
}

type queuedSend struct {
	path      string
	clipboard string
}

func pendingSends(c *cli.Context) []queuedSend {
	out := make([]queuedSend, 0)
	for _, path := range c.StringSlice("send") {
		out = append(out, queuedSend{path: path})
	}
	if clip := c.String("clip"); clip != "" {
		out = append(out, queuedSend{clipboard: clip})
	}
	return out
}

func runSends(log *logrus.Logger, a *agent.Agent, sends []queuedSend, toHandle string) {
	target := transfer.Target{Kind: transfer.TargetBroadcast}
	if toHandle != "" {
		target = transfer.Target{Kind: transfer.TargetDevice, Handle: toHandle}
	}

	for _, send := range sends {
		var err error
		if send.clipboard != "" {
			_, err = a.SendClipboard(send.clipboard, target)
		} else {
			_, err = a.SendFile(send.path, target)
		}
		if err != nil {
			log.WithError(err).Error("send failed")
		}
	}
}

func printEvent(log *logrus.Logger, event agent.Event) {
	switch event.Kind {
	case agent.EventDeviceOnline:
		log.Infof("device online: %s (%s)", event.Device.DisplayName, event.Device.Handle)
	case agent.EventDeviceOffline:
		log.Infof("device offline: %s", event.Device.DisplayName)
	case agent.EventPaired:
		log.Infof("paired (%s)", event.Pairing.ID)
	case agent.EventTerminated:
		log.Infof("pairing terminated (%s)", event.Pairing.ID)
	case agent.EventFileReceived:
		log.Infof("received %s (%s) from %s -> %s",
			event.Record.OriginalName,
			humanize.Bytes(uint64(event.Record.SizeBytes)),
			event.Record.PeerName,
			event.Record.StoredPath)
	case agent.EventClipboardReceived:
		log.Infof("clipboard from %s: %s", event.Record.PeerName, event.Clipboard)
	case agent.EventFileSent:
		log.Infof("sent %s (%s) to %d device(s)",
			event.Record.OriginalName,
			humanize.Bytes(uint64(event.Record.SizeBytes)),
			event.RecipientCount)
	case agent.EventFileQueued:
		log.Infof("queued %s until its target comes online", event.Record.OriginalName)
	case agent.EventFileSavedLocal:
		log.Infof("saved %s locally -> %s", event.Record.OriginalName, event.Record.StoredPath)
	case agent.EventTransferProgress:
		log.Debugf("transfer %s: %.1f%%", event.Progress.TransferID, event.Progress.Percent())
	case agent.EventTransferFailed:
		log.WithError(event.Err).Warnf("transfer %s failed", event.Progress.TransferID)
	case agent.EventError:
		log.WithError(event.Err).Warn("agent error")
	}
}

func relayCommand(log *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "run the relay signaling server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8787", Usage: "listen address"},
			&cli.StringFlag{Name: "path", Value: "/ws", Usage: "websocket endpoint path"},
		},
		Action: func(c *cli.Context) error {
			hub := relay.NewServer(log)
			defer hub.Close()

			mux := http.NewServeMux()
			mux.Handle(c.String("path"), hub.Handler())

			server := &http.Server{
				Addr:              c.String("addr"),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", server.Addr).Info("relay listening")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list recorded transfers",
		Action: func(c *cli.Context) error {
			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			records, err := store.ListTransfers()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no transfers recorded")
				return nil
			}

			for _, record := range records {
				peer := record.PeerName
				if peer == "" {
					peer = "-"
				}
				fmt.Printf("%-12s %-10s %-9s %-24s %s\n",
					humanize.Time(time.UnixMilli(record.CreatedAt)),
					record.Direction,
					humanize.Bytes(uint64(record.SizeBytes)),
					peer,
					record.OriginalName)
			}
			return nil
		},
	}
}

func overrideConfig(cfg *config.DeviceConfig, c *cli.Context) bool {
	changed := false
	if name := c.String("name"); name != "" && name != cfg.DeviceName {
		cfg.DeviceName = name
		changed = true
	}
	if mode := c.String("mode"); mode != "" && mode != cfg.Mode {
		cfg.Mode = mode
		changed = true
	}
	if url := c.String("relay-url"); url != "" && url != cfg.RelayURL {
		cfg.RelayURL = url
		changed = true
	}
	if c.IsSet("port") && c.Int("port") != cfg.ListeningPort {
		cfg.ListeningPort = c.Int("port")
		changed = true
	}
	if dir := c.String("downloads"); dir != "" && dir != cfg.DownloadsDir {
		cfg.DownloadsDir = dir
		changed = true
	}
	return changed
}
