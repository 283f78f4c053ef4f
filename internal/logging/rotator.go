package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CompressedExt is appended to rotated files once compressed.
const CompressedExt = ".zst"

const backupStamp = "20060102-150405.000"

// FileRotator appends to a log file and moves it aside when it would grow
// past MaxSize or when the calendar day changes. Backups are named
// <base>-<stamp><ext> and sort oldest first.
type FileRotator struct {
	cfg *Config
	now func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	pending sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{cfg: cfg, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, info.Size(), r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.file == nil:
		if err := r.open(); err != nil {
			return 0, err
		}
	case r.due(int64(len(p))):
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// due reports whether writing n more bytes needs a fresh file. An empty file
// is never rotated, however large the write.
func (r *FileRotator) due(n int64) bool {
	if r.size == 0 {
		return false
	}
	limit := r.cfg.MaxSize << 20
	if limit > 0 && r.size+n > limit {
		return true
	}
	return r.opened.YearDay() != r.now().YearDay()
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, base, ext := r.split()
	backup := filepath.Join(dir, base+"-"+r.now().Format(backupStamp)+ext)
	if err := os.Rename(r.cfg.FilePath, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if r.cfg.Compress {
			if err := compress(backup); err != nil {
				os.Remove(backup + CompressedExt)
			}
		}
		r.prune()
	}()
	return nil
}

func (r *FileRotator) split() (dir, base, ext string) {
	dir, name := filepath.Split(r.cfg.FilePath)
	ext = filepath.Ext(name)
	return filepath.Clean(dir), strings.TrimSuffix(name, ext), ext
}

// compress writes path+CompressedExt and removes path once the copy is
// complete.
func compress(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + CompressedExt)
	if err != nil {
		return err
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// backups lists rotated files, oldest first.
func (r *FileRotator) backups() ([]string, error) {
	dir, base, ext := r.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+"-") || !strings.Contains(name[len(base)+1:], ext) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// prune drops backups beyond MaxBackups, then any older than MaxAge days.
func (r *FileRotator) prune() {
	files, err := r.backups()
	if err != nil {
		return
	}
	if keep := r.cfg.MaxBackups; keep > 0 && len(files) > keep {
		for _, f := range files[:len(files)-keep] {
			os.Remove(f)
		}
		files = files[len(files)-keep:]
	}
	if r.cfg.MaxAge <= 0 {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.cfg.MaxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// LogFiles returns the current log file followed by its backups.
func (r *FileRotator) LogFiles() ([]string, error) {
	files, err := r.backups()
	return append([]string{r.cfg.FilePath}, files...), err
}
