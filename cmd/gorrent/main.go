// Command gorrent downloads a single torrent given its .torrent file path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arrowsmith/gorrent/internal/config"
	"github.com/arrowsmith/gorrent/internal/logging"
	"github.com/arrowsmith/gorrent/internal/metainfo"
	"github.com/arrowsmith/gorrent/internal/supervisor"
	"github.com/schollz/progressbar/v3"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: gorrent <path-to-torrent-file>")
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		slog.Error("gorrent failed", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath string) error {
	mi, err := metainfo.Parse(torrentPath)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}

	downloadDir := strings.TrimSuffix(filepath.Base(torrentPath), filepath.Ext(torrentPath))
	cfg := config.WithDefaults()

	sv, err := supervisor.New(mi, downloadDir, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("construct supervisor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bar := progressbar.DefaultBytes(int64(mi.Info.TotalLength()), mi.Info.Name)
	stopProgress := reportProgress(ctx, sv, bar)
	defer stopProgress()

	slog.Info("starting download", "name", mi.Info.Name, "pieces", len(mi.Info.Pieces), "size", mi.Info.TotalLength())

	return sv.Run(ctx)
}

// reportProgress polls the supervisor's owned-byte count and updates bar
// until the returned stop function is called.
func reportProgress(ctx context.Context, sv *supervisor.Supervisor, bar *progressbar.ProgressBar) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := sv.State()
				state.Lock()
				owned := state.Owned.Clone()
				pieceLength := state.PieceLength
				state.Unlock()

				var ownedBytes int64
				for _, r := range owned.Ranges() {
					ownedBytes += int64(r.ByteCount(pieceLength))
				}
				_ = bar.Set64(ownedBytes)
			}
		}
	}()
	return func() { close(done) }
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.New(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
