package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"clipsync/config"
	"clipsync/internal/client"
	"clipsync/internal/history"
	"clipsync/internal/protocol"
)

func main() {
	logger := log.New(os.Stderr, "clipsync ", log.LstdFlags)

	cfg, err := config.LoadClient()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Println("Agent stopped")
}

// stdoutClipboard prints received content, one share per line.
type stdoutClipboard struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *stdoutClipboard) Write(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.w, content)
	return err
}

func run(logger *log.Logger, cfg *config.ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(cfg.HistoryPath), 0o700); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	store, err := history.Open(cfg.HistoryPath, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	defer store.Close()

	deviceID, err := store.DeviceID()
	if err != nil {
		return err
	}
	logger.Printf("device %s (%s)", deviceID, cfg.DeviceName)

	var tokens client.TokenSource = client.StaticTokenSource(cfg.Token)
	if cfg.TokenFile != "" {
		tokens = client.FileTokenSource{Path: cfg.TokenFile}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var syncer *client.Syncer
	manager := client.NewManager(client.Options{
		URL:               cfg.ServerURL,
		DeviceID:          deviceID,
		DeviceName:        cfg.DeviceName,
		Tokens:            tokens,
		Dialer:            client.WebSocketDialer{},
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxAttempts:       cfg.MaxAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		OnStatus: func(s client.Status) {
			switch {
			case s.Terminal:
				logger.Printf("gave up reconnecting: %v (type /connect to retry)", s.Err)
			case s.Err != nil && s.State == client.StateDisconnected:
				logger.Printf("%s (attempt %d): %v", s.State, s.Attempt, s.Err)
			default:
				logger.Printf("%s", s.State)
			}
		},
		OnMessage: func(msg protocol.Message) {
			syncer.HandleMessage(ctx, msg)
		},
	})
	api := client.NewAPIClient(cfg.APIURL, tokens, nil)
	syncer = client.NewSyncer(deviceID, store, manager, api, &stdoutClipboard{w: os.Stdout})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	manager.Connect()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// Keep syncing after stdin closes.
					lines = nil
					continue
				}
				command(gctx, logger, line, manager, syncer, store)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, disconnecting...")
		manager.Disconnect()
		return nil
	})

	return g.Wait()
}

// command handles one input line. Lines starting with a slash control the
// agent; anything else is shared.
func command(ctx context.Context, logger *log.Logger, line string, manager *client.Manager, syncer *client.Syncer, store *history.Store) {
	switch strings.TrimSpace(line) {
	case "":
		return
	case "/connect":
		manager.Connect()
	case "/resume":
		manager.Resume()
	case "/disconnect":
		manager.Disconnect()
	case "/logout":
		manager.Logout()
	case "/status":
		s := manager.Status()
		logger.Printf("%s attempt=%d terminal=%t loggedOut=%t", s.State, s.Attempt, s.Terminal, s.LoggedOut)
	case "/clear":
		if err := store.Clear(); err != nil {
			logger.Printf("Error clearing history: %v", err)
		}
	case "/history":
		entries, err := store.List(20)
		if err != nil {
			logger.Printf("Error reading history: %v", err)
			return
		}
		for _, e := range entries {
			logger.Printf("%s %-8s %s %q receipts=%v", e.Timestamp.Format("15:04:05"), e.Kind, e.ContentID, e.Content, e.Receipts)
		}
	default:
		if _, err := syncer.Share(ctx, line); err != nil {
			logger.Printf("Error sharing: %v", err)
		}
	}
}
