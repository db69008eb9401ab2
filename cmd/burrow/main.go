// Command burrow is a leech-only BitTorrent download engine: it joins a
// swarm, pulls pieces, verifies them, and writes them to disk. It never
// serves uploads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/coordinator"
	"github.com/prxssh/burrow/internal/logging"
	"github.com/prxssh/burrow/internal/metainfo"
	"github.com/prxssh/burrow/internal/metrics"
	"github.com/prxssh/burrow/internal/writer"
)

const version = "0.1.0"

var cli struct {
	Verbose bool `help:"Enable debug logging." short:"v"`
	Metrics bool `help:"Serve Prometheus metrics on :9090."`

	Download struct {
		Torrent     string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
		Destination string `arg:"" help:"Directory to download files into."`
		MaxPeers    int    `help:"Maximum concurrent peer connections." default:"50"`
	} `cmd:"" help:"Download a torrent."`

	Test struct {
		Torrent     string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
		ContentPath string `arg:"" optional:"" help:"Directory containing already-downloaded content; defaults to the torrent's name next to the metainfo file." type:"existingdir"`
	} `cmd:"" help:"Verify on-disk content against a torrent's piece hashes, without downloading."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("burrow"),
		kong.Description(fmt.Sprintf("burrow v%s - a leech-only BitTorrent engine", version)),
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	log := logging.New(os.Stderr, level, useColor)

	var err error
	switch ctx.Command() {
	case "download <torrent> <destination>":
		err = runDownload(log)
	case "test <torrent>", "test <torrent> <content-path>":
		err = runTest(log)
	default:
		ctx.PrintUsage(false)
		os.Exit(1)
	}

	if err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runDownload(log *slog.Logger) error {
	mi, err := loadMetainfo(cli.Download.Torrent)
	if err != nil {
		return fmt.Errorf("burrow: %w", err)
	}

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("burrow: config: %w", err)
	}
	cfg.DownloadDir = cli.Download.Destination
	cfg.MaxPeers = cli.Download.MaxPeers
	cfg.MetricsEnabled = cli.Metrics

	co, err := coordinator.New(mi, cfg, log)
	if err != nil {
		return fmt.Errorf("burrow: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bar := progressbar.NewOptions64(mi.Size(),
		progressbar.OptionSetDescription(mi.Info.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector("burrow")
		go func() {
			if err := collector.Serve(runCtx, cfg.MetricsBindAddr); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- co.Run(runCtx) }()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			_ = bar.Finish()
			if err != nil {
				return fmt.Errorf("burrow: download: %w", err)
			}
			fmt.Println("download complete:", cli.Download.Destination)
			return nil

		case <-ticker.C:
			st := co.Stats()
			downloaded := int64(st.BytesDownloaded)
			_ = bar.Set64(downloaded)
			if collector != nil {
				collector.Observe(toSnapshot(st))
			}
		}
	}
}

func runTest(log *slog.Logger) error {
	mi, err := loadMetainfo(cli.Test.Torrent)
	if err != nil {
		return fmt.Errorf("burrow: %w", err)
	}

	contentPath := cli.Test.ContentPath
	if contentPath == "" {
		contentPath = filepath.Dir(cli.Test.Torrent)
	}

	w, err := writer.New(mi, &writer.Config{DownloadDir: contentPath}, log)
	if err != nil {
		return fmt.Errorf("burrow: %w", err)
	}

	have, err := w.ResumeScan(mi)
	if err != nil {
		return fmt.Errorf("burrow: verify: %w", err)
	}

	ok := 0
	for _, v := range have {
		if v {
			ok++
		}
	}

	fmt.Printf("%s: %d/%d pieces verified\n", mi.Info.Name, ok, len(have))
	if ok != len(have) {
		return fmt.Errorf("burrow: verify: %d of %d pieces failed verification", len(have)-ok, len(have))
	}
	return nil
}

func loadMetainfo(path string) (*metainfo.Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metainfo: %w", err)
	}
	return metainfo.Parse(data)
}

func toSnapshot(s coordinator.Stats) metrics.Snapshot {
	return metrics.Snapshot{
		ActivePeers:       s.ActivePeers,
		TotalConnected:    s.TotalConnected,
		FailedConnections: s.FailedConnections,
		PiecesVerified:    s.PiecesVerified,
		NumPieces:         s.NumPieces,
		BytesDownloaded:   s.BytesDownloaded,
		RemainingBlocks:   s.RemainingBlocks,
	}
}
