package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/config"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/engine"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/magnet"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/metafile"
)

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func init() {
	config := zap.NewDevelopmentConfig()
	config.Level = level
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	defer logger.Sync()

	if len(os.Args) < 2 {
		logger.Error("Usage: blocktorrent <create|info|run|download|magnet_parse> [args...]")
		os.Exit(1)
	}
	command := os.Args[1]

	switch command {
	case "create":
		if err := handleCreate(os.Args); err != nil {
			logger.Error("Failed to create torrent", zap.Error(err))
			os.Exit(1)
		}
	case "info":
		if err := handleInfo(os.Args); err != nil {
			logger.Error("Failed to get info", zap.Error(err))
			os.Exit(1)
		}
	case "run":
		if err := handleRun(os.Args); err != nil {
			logger.Error("Engine stopped", zap.Error(err))
			os.Exit(1)
		}
	case "download":
		if err := handleDownload(os.Args); err != nil {
			logger.Error("Failed to download", zap.Error(err))
			os.Exit(1)
		}
	case "magnet_parse":
		if err := handleMagnetParse(os.Args); err != nil {
			logger.Error("Failed to parse magnet link", zap.Error(err))
			os.Exit(1)
		}
	default:
		logger.Error("Unknown command", zap.String("command", command))
		os.Exit(1)
	}
}

// loadConfig reads the file named by BLOCKTORRENT_CONFIG, if set, and applies
// the configured log level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("BLOCKTORRENT_CONFIG"))
	if err != nil {
		return config.Config{}, err
	}
	l, err := cfg.Level()
	if err != nil {
		return config.Config{}, err
	}
	level.SetLevel(l)
	return cfg, nil
}

// startEngine binds the engine and restores every torrent saved in the data
// directory.
func startEngine(cfg config.Config) (*engine.Engine, error) {
	logger := zap.L()
	store := metafile.Dir(cfg.DataDir)
	e, err := engine.New(cfg, engine.WithStore(store))
	if err != nil {
		return nil, err
	}

	files, err := store.LoadAll()
	if err != nil {
		logger.Warn("Some saved torrents could not be loaded", zap.Error(err))
	}
	for _, f := range files {
		if _, err := e.AddMetafile(f); err != nil {
			logger.Warn("Skipping saved torrent", zap.String("name", f.Name), zap.Error(err))
		}
	}
	return e, nil
}

func shareLink(e *engine.Engine, t *engine.Torrent) *magnet.Link {
	return &magnet.Link{
		TorrentHash: t.Hash(),
		Name:        t.Name(),
		Peers:       []netip.AddrPort{e.Addr()},
	}
}

// Command handlers

func handleCreate(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("file path required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Only the torrent file is written; nothing is served.
	cfg.ListenAddr = "127.0.0.1"
	cfg.Port = 0
	e, err := engine.New(cfg, engine.WithStore(metafile.Dir(cfg.DataDir)))
	if err != nil {
		return err
	}

	t, err := e.AddFile(args[2])
	if err != nil {
		e.Close()
		return err
	}
	if err := e.Close(); err != nil {
		return err
	}

	fmt.Printf("Name: %s\n", t.Name())
	fmt.Printf("Torrent Hash: %s\n", t.Hash())
	fmt.Printf("Length: %d (%s)\n", t.Size(), humanize.Bytes(uint64(t.Size())))
	fmt.Printf("Blocks: %d\n", t.NumBlocks())
	fmt.Printf("Saved: %s\n", metafile.Dir(cfg.DataDir).Path(t.Hash()))
	return nil
}

func handleInfo(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("torrent file or hash required")
	}

	path := args[2]
	if hash, err := digest.Parse(path); err == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = metafile.Dir(cfg.DataDir).Path(hash)
	}

	f, err := metafile.Load(path)
	if err != nil {
		return err
	}
	held := 0
	for _, s := range []byte(f.Status) {
		if engine.BlockStatus(s) == engine.Held {
			held++
		}
	}

	fmt.Printf("Name: %s\n", f.Name)
	fmt.Printf("Torrent Hash: %s\n", f.Hash)
	fmt.Printf("Length: %d (%s)\n", f.Length, humanize.Bytes(uint64(f.Length)))
	fmt.Printf("Block Length: %d\n", f.BlockLength)
	fmt.Printf("Held: %d/%d\n", held, f.NumBlocks())
	fmt.Println("Block Hashes:")
	for _, h := range f.BlockHashes() {
		fmt.Println(h)
	}
	return nil
}

func handleRun(args []string) error {
	logger := zap.L()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := startEngine(cfg)
	if err != nil {
		return err
	}

	for _, path := range args[2:] {
		if _, err := e.AddFile(path); err != nil && !errors.Is(err, engine.ErrTorrentExists) {
			e.Close()
			return err
		}
	}
	for _, t := range e.Torrents() {
		fmt.Println(shareLink(e, t))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := e.Run(ctx, nil)
	logger.Info("Shutting down")
	return multierr.Combine(runErr, e.Close())
}

func handleDownload(args []string) error {
	logger := zap.L()
	if len(args) < 4 {
		return fmt.Errorf("magnet link and output path required")
	}
	link, err := magnet.Parse(args[2])
	if err != nil {
		return err
	}
	output := args[3]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := startEngine(cfg)
	if err != nil {
		return err
	}

	t, _ := e.AddTorrent(link.TorrentHash)
	for _, addr := range link.Peers {
		t.AddPeer(addr)
	}
	if len(t.Peers()) == 0 && !t.Complete() {
		e.Close()
		return fmt.Errorf("magnet link names no peers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bar *progressbar.ProgressBar
	runErr := e.Run(ctx, func(e *engine.Engine) {
		if !t.InfoSet() {
			return
		}
		held, total := t.Progress()
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(t.Name()),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}
		bar.Set(held)
		if t.Complete() {
			bar.Finish()
			cancel()
		}
	})

	if t.Complete() {
		if err := writeOutput(output, t); err != nil {
			runErr = multierr.Combine(runErr, err)
		} else {
			logger.Info("Download complete",
				zap.String("output", output),
				zap.String("size", humanize.Bytes(uint64(t.Size()))))
		}
	} else if runErr == nil {
		runErr = fmt.Errorf("interrupted before %s completed", t.Hash())
	}
	return multierr.Combine(runErr, e.Close())
}

func writeOutput(path string, t *engine.Torrent) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := t.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return f.Close()
}

func handleMagnetParse(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("magnet link required")
	}
	link, err := magnet.Parse(args[2])
	if err != nil {
		return err
	}

	fmt.Printf("Torrent Hash: %s\n", link.TorrentHash)
	if link.Name != "" {
		fmt.Printf("Name: %s\n", link.Name)
	}
	for _, p := range link.Peers {
		fmt.Printf("Peer: %s\n", p)
	}
	return nil
}
