// Command ndibridge is the thin CLI shell around the bridge's core
// pipeline (spec §6, "not the core"): source discovery, flag parsing,
// logging, and the embedded HTTP control surface live here so the
// library packages stay free of process concerns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndibridge/bridge/capture"
	"github.com/ndibridge/bridge/decoder"
	"github.com/ndibridge/bridge/encoder"
	"github.com/ndibridge/bridge/httpapi"
	"github.com/ndibridge/bridge/publish"
	"github.com/ndibridge/bridge/receiver"
	"github.com/ndibridge/bridge/sender"
	"github.com/ndibridge/bridge/stats"
	"github.com/ndibridge/bridge/transport"
)

var version = "dev"

// logLevel is the level of the handler installed in main; run raises it
// to Debug when -v is given.
var logLevel slog.LevelVar

func main() {
	if os.Getenv("DEBUG") != "" {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel})))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("ndibridge failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ndibridge <discover|host|join> [flags]")
	}

	mode := args[0]
	fs := flag.NewFlagSet(mode, flag.ExitOnError)

	source := fs.String("source", "", "NDI source name to capture (host mode)")
	auto := fs.Bool("auto", false, "auto-select the first discovered source (host mode)")
	target := fs.String("target", "", "host:port of the receiving bridge (host mode)")
	bitrateMbps := fs.Float64("bitrate", 8, "target video bitrate in Mbps (host mode)")
	mtu := fs.Int("mtu", 1400, "UDP datagram size ceiling in bytes")
	name := fs.String("name", "ndibridge", "published NDI source name (join mode)")
	port := fs.Int("port", 6400, "UDP port to send to or listen on")
	bufferMs := fs.Int64("buffer", 0, "playout buffer delay in milliseconds (join mode); 0 is real-time")
	apiAddr := fs.String("api", envOr("API_ADDR", ":8080"), "stats HTTP API listen address")
	discoverTimeout := fs.Duration("discover-timeout", 5*time.Second, "source discovery timeout")
	verbose := fs.Bool("v", false, "verbose logging")

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *verbose {
		logLevel.Set(slog.LevelDebug)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("ndibridge starting", "version", version, "mode", mode)

	switch mode {
	case "discover":
		return runDiscover(*discoverTimeout)
	case "host":
		return runHost(ctx, hostConfig{
			source:      *source,
			auto:        *auto,
			target:      *target,
			bitrateMbps: *bitrateMbps,
			mtu:         *mtu,
			apiAddr:     *apiAddr,
			discoverTO:  *discoverTimeout,
		})
	case "join":
		return runJoin(ctx, joinConfig{
			name:     *name,
			port:     *port,
			mtu:      *mtu,
			bufferMs: *bufferMs,
			apiAddr:  *apiAddr,
		})
	default:
		return fmt.Errorf("unknown mode %q: expected discover, host, or join", mode)
	}
}

func runDiscover(timeout time.Duration) error {
	sources, err := capture.Discover(timeout)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if len(sources) == 0 {
		fmt.Println("no NDI sources found")
		return nil
	}
	for _, s := range sources {
		fmt.Printf("%s\t%s\n", s.Name, s.Address)
	}
	return nil
}

type hostConfig struct {
	source      string
	auto        bool
	target      string
	bitrateMbps float64
	mtu         int
	apiAddr     string
	discoverTO  time.Duration
}

func runHost(ctx context.Context, cfg hostConfig) error {
	if cfg.target == "" {
		return fmt.Errorf("host mode requires --target host:port")
	}

	chosen, err := resolveSource(cfg.source, cfg.auto, cfg.discoverTO)
	if err != nil {
		return err
	}

	tx, err := transport.NewSender(cfg.target, cfg.mtu, 0, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.target, err)
	}

	snd := sender.New(sender.Config{
		BitrateBps:  int(cfg.bitrateMbps * 1_000_000),
		InputFormat: encoder.PixelFormatI420,
	}, tx, nil)

	rx := capture.New()
	rx.OnVideoFrame = snd.OnVideoFrame
	rx.OnAudioFrame = snd.OnAudioFrame
	rx.OnError = snd.OnError
	rx.PrepareConnect(chosen)

	api := httpapi.New(cfg.apiAddr, statsProviderFunc(func() stats.Snapshot {
		return stats.Snapshot{Role: stats.RoleSender, Timestamp: time.Now().UnixMilli(), Sender: snapshotPtr(snd.Snapshot())}
	}), nil)

	snd.Start()

	g, gctx := errgroup.WithContext(ctx)
	captureStop := make(chan struct{})

	g.Go(func() error { return rx.Run(captureStop) })
	g.Go(func() error {
		<-gctx.Done()
		close(captureStop)
		return nil
	})
	g.Go(func() error { return api.Start(gctx) })

	err = g.Wait()
	snd.Stop()
	return err
}

type joinConfig struct {
	name     string
	port     int
	mtu      int
	bufferMs int64
	apiAddr  string
}

func runJoin(ctx context.Context, cfg joinConfig) error {
	sink, err := publish.New(cfg.name)
	if err != nil {
		return fmt.Errorf("create NDI sink %q: %w", cfg.name, err)
	}

	rxTransport, err := transport.NewReceiver(cfg.port, cfg.mtu, nil)
	if err != nil {
		sink.Close()
		return fmt.Errorf("listen on port %d: %w", cfg.port, err)
	}

	rx, err := receiver.New(receiver.Config{
		OutputFormat: decoder.PixelFormatBGRA,
		BufferMs:     cfg.bufferMs,
	}, rxTransport, sink, nil)
	if err != nil {
		return fmt.Errorf("create receiver: %w", err)
	}

	api := httpapi.New(cfg.apiAddr, statsProviderFunc(func() stats.Snapshot {
		return stats.Snapshot{Role: stats.RoleReceiver, Timestamp: time.Now().UnixMilli(), Receiver: snapshotPtr(rx.Snapshot())}
	}), nil)

	rx.Start()

	g, gctx := errgroup.WithContext(ctx)
	receiveStop := make(chan struct{})

	g.Go(func() error { return rxTransport.Run(receiveStop) })
	g.Go(func() error {
		<-gctx.Done()
		close(receiveStop)
		return nil
	})
	g.Go(func() error { return api.Start(gctx) })

	err = g.Wait()
	rx.Stop()
	return err
}

func resolveSource(name string, auto bool, timeout time.Duration) (capture.Source, error) {
	if name != "" && !auto {
		return capture.Source{Name: name}, nil
	}

	sources, err := capture.Discover(timeout)
	if err != nil {
		return capture.Source{}, fmt.Errorf("discover sources: %w", err)
	}
	if len(sources) == 0 {
		return capture.Source{}, fmt.Errorf("no NDI sources found within %s", timeout)
	}
	if auto {
		return sources[0], nil
	}
	for _, s := range sources {
		if s.Name == name {
			return s, nil
		}
	}
	return capture.Source{}, fmt.Errorf("source %q not found; use --auto or --discover-timeout to widen the search", name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type statsProviderFunc func() stats.Snapshot

func (f statsProviderFunc) Snapshot() stats.Snapshot { return f() }

func snapshotPtr[T any](v T) *T { return &v }
