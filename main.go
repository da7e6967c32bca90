package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"directlink/config"
	"directlink/control"
	"directlink/node"
	"directlink/session"
)

func main() {
	cfg, dataDir, cfgPath, err := config.LoadRuntime()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Listen Address:  %s\n", cfg.ListenAddress())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	n, err := node.New(node.Options{Config: cfg, DataDir: dataDir, ConfigPath: cfgPath})
	if err != nil {
		log.Fatalf("startup failed while building node: %v", err)
	}
	defer n.Stop()

	if err := n.Start(); err != nil {
		log.Fatalf("startup failed while starting node: %v", err)
	}
	fmt.Printf("Listening On:    %s\n", n.Addr())
	fmt.Printf("Discovery:       %t\n", cfg.DiscoveryEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	var server *http.Server
	if cfg.ControlAddress != "" {
		server = &http.Server{
			Addr:              cfg.ControlAddress,
			Handler:           control.NewServer(n, cfg.ConnectTimeout(), nil).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		fmt.Printf("Control:         http://%s\n", cfg.ControlAddress)
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
	}

	events, cancelEvents := n.ChatEvents()
	group.Go(func() error {
		logChatEvents(events)
		return nil
	})

	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-n.Done():
		}
		fmt.Println("Status:          shutting down")
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("control server shutdown error: %v", err)
			}
		}
		n.Stop()
		cancelEvents()
		return nil
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := group.Wait(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func logChatEvents(events <-chan session.ChatEvent) {
	for ev := range events {
		switch ev.Kind {
		case session.EventNewMessage:
			sender := ""
			if ev.Message != nil {
				sender = ev.Message.SenderPeerID
			}
			log.Printf("chat: new message chat=%s from=%s", ev.ChatID, sender)
		case session.EventFileReady:
			log.Printf("chat: file ready chat=%s file=%s", ev.ChatID, ev.FileName)
		default:
			log.Printf("chat: event=%s chat=%s peer=%s", ev.Kind, ev.ChatID, ev.PeerID)
		}
	}
}
