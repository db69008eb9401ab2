// Package writer persists verified pieces to disk across one or more files
// and, on startup, re-hashes any already-complete pieces on disk so a
// download can resume without a sidecar state file.
package writer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/burrow/internal/metainfo"
)

// Config controls where and how a Writer buffers and flushes verified
// pieces.
type Config struct {
	DownloadDir   string
	DiskQueueSize int
}

func DefaultConfig() *Config {
	return &Config{
		DownloadDir:   "./downloads",
		DiskQueueSize: 64,
	}
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

type piece struct {
	index int
	data  []byte
}

// Writer owns the on-disk representation of a single torrent's content. A
// Writer is driven by Run, which must be started before any pieces are
// submitted to Submit.
type Writer struct {
	cfg      *Config
	log      *slog.Logger
	files    []*datafile
	pieceLen int64
	total    int64
	queue    chan piece
}

// New creates a Writer for metainfo's layout under cfg.DownloadDir, creating
// and sparsely pre-sizing every destination file via Truncate.
func New(mi *metainfo.Metainfo, cfg *Config, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "writer")

	if cfg == nil {
		cfg = DefaultConfig()
	}

	files, err := setupFiles(mi, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("writer: setup files: %w", err)
	}

	return &Writer{
		cfg:      cfg,
		log:      log,
		files:    files,
		pieceLen: int64(mi.Info.PieceLength),
		total:    mi.Size(),
		queue:    make(chan piece, cfg.DiskQueueSize),
	}, nil
}

// Run drains the internal write queue until ctx is canceled or Close is
// called. It must run in its own goroutine (or under an errgroup) for the
// lifetime of the download.
//
// On ctx cancellation it still flushes whatever is already buffered in the
// queue before returning: Close closes the queue but leaves any pieces
// already sitting in it to be read out normally, and a caller that cancels
// ctx right after calling Close (the coordinator does, on completion) must
// not race losing the last piece(s) to Go's random select between a ready
// ctx.Done() and a ready, still-buffered queue read.
func (w *Writer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return w.drain()
			case p, ok := <-w.queue:
				if !ok {
					return nil
				}
				if err := w.writePiece(p.index, p.data); err != nil {
					w.log.Error("write piece failed", "piece", p.index, "error", err)
					return err
				}
			}
		}
	})

	return g.Wait()
}

// drain flushes pieces already buffered in the queue without blocking for
// new ones; used when Run is asked to stop via ctx cancellation so a
// just-closed queue's last pieces aren't silently dropped.
func (w *Writer) drain() error {
	for {
		select {
		case p, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.writePiece(p.index, p.data); err != nil {
				w.log.Error("write piece failed", "piece", p.index, "error", err)
				return err
			}
		default:
			return nil
		}
	}
}

// Submit enqueues a verified piece for disk write. It blocks if the internal
// queue is full, providing natural backpressure on the piece map's verified
// callback.
func (w *Writer) Submit(index uint32, data []byte) {
	w.queue <- piece{index: int(index), data: data}
}

// Close signals Run to stop once the queue drains.
func (w *Writer) Close() { close(w.queue) }

func (w *Writer) writePiece(index int, data []byte) error {
	return w.forEachOverlap(index, int64(len(data)), func(f *datafile, fileOff, dataOff, n int64) error {
		written, err := f.f.WriteAt(data[dataOff:dataOff+n], fileOff)
		if err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		if int64(written) != n {
			return fmt.Errorf("short write to %s: wrote %d, want %d", f.path, written, n)
		}
		return nil
	})
}

func (w *Writer) readPiece(index int, buf []byte) error {
	return w.forEachOverlap(index, int64(len(buf)), func(f *datafile, fileOff, dataOff, n int64) error {
		read, err := f.f.ReadAt(buf[dataOff:dataOff+n], fileOff)
		if err != nil && read != int(n) {
			return fmt.Errorf("read %s: %w", f.path, err)
		}
		return nil
	})
}

func (w *Writer) forEachOverlap(index int, length int64, fn func(f *datafile, fileOff, dataOff, n int64) error) error {
	absStart := int64(index) * w.pieceLen
	absEnd := absStart + length

	for _, f := range w.files {
		fileStart, fileEnd := f.offset, f.offset+f.length
		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		if err := fn(f, overlapStart-fileStart, overlapStart-absStart, n); err != nil {
			return err
		}
	}
	return nil
}

// ResumeScan re-hashes every piece already present on disk and reports which
// indices verified successfully, so the caller's piece map can be
// initialized as already-complete for those pieces without a sidecar state
// file.
func (w *Writer) ResumeScan(mi *metainfo.Metainfo) ([]bool, error) {
	n := len(mi.Info.Pieces)
	have := make([]bool, n)

	buf := make([]byte, w.pieceLen)
	for i := 0; i < n; i++ {
		length, ok := pieceLengthAt(uint32(i), uint64(w.total), uint32(w.pieceLen))
		if !ok {
			continue
		}

		chunk := buf[:length]
		if err := w.readPiece(i, chunk); err != nil {
			continue // missing/short file region: piece isn't complete yet
		}

		if sha1.Sum(chunk) == mi.Info.Pieces[i] {
			have[i] = true
		}
	}

	return have, nil
}

func pieceLengthAt(index uint32, size uint64, pieceLen uint32) (uint32, bool) {
	if pieceLen == 0 || uint64(index)*uint64(pieceLen) >= size {
		return 0, false
	}
	remaining := size - uint64(index)*uint64(pieceLen)
	if remaining < uint64(pieceLen) {
		return uint32(remaining), true
	}
	return pieceLen, true
}

func setupFiles(mi *metainfo.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		offset int64
		files  []*datafile
	)

	if mi.Info.Length > 0 {
		f, err := createFile(filepath.Join(downloadDir, mi.Info.Name), mi.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*datafile{f}, nil
	}

	for _, entry := range mi.Info.Files {
		parts := append([]string{downloadDir, mi.Info.Name}, entry.Path...)
		f, err := createFile(filepath.Join(parts...), entry.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		offset += entry.Length
	}

	return files, nil
}

func createFile(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &datafile{path: path, length: size, offset: offset, f: f}, nil
}
