// Package ota downloads a new service image into the inactive slot and flips
// the active slot marker so the next start runs it
package ota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// Image limits, mirroring one app partition of the original board
const (
	HeaderSize       = 256
	DefaultMinSize   = HeaderSize + 1024
	DefaultMaxSize   = 0x3f0000
	DefaultChunkSize = 20 * 1024
	markerFile       = "active"
)

var (
	// ErrInvalidResponse indicates the image server did not answer 200
	ErrInvalidResponse = errors.New("unexpected HTTP response")
	// ErrImageInvalid indicates the advertised image size is out of range
	ErrImageInvalid = errors.New("invalid image")
	// ErrIncomplete indicates the download ended before the advertised size
	ErrIncomplete = errors.New("incomplete download")
	// ErrInProgress indicates another update is running
	ErrInProgress = fmt.Errorf("%w: update already in progress", errors.ErrBusy)
)

// Slot is one of the two image slots
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite slot
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Config holds update settings
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	Dir       string        `yaml:"dir"`
	ImageName string        `yaml:"image_name"`
	MinSize   int64         `yaml:"min_size"`
	MaxSize   int64         `yaml:"max_size"`
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig returns default update settings
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Dir:       "data/firmware",
		ImageName: "pi-doser",
		MinSize:   DefaultMinSize,
		MaxSize:   DefaultMaxSize,
		ChunkSize: DefaultChunkSize,
		Timeout:   5 * time.Minute,
	}
}

// Result describes a completed update
type Result struct {
	Slot  Slot   `json:"slot"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Updater fetches images over HTTP into A/B slots
type Updater struct {
	cfg    Config
	client *http.Client
	logger *logrus.Entry
	mu     sync.Mutex
}

// NewUpdater creates an updater. A nil client gets one bounded by cfg.Timeout.
func NewUpdater(cfg *Config, client *http.Client, logger logrus.FieldLogger) (*Updater, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ImageName == "" {
		c.ImageName = "pi-doser"
	}
	if c.MinSize < 0 || c.MaxSize <= c.MinSize {
		return nil, errors.NewConfigurationError("ota.max_size", c.MaxSize, "must exceed min_size")
	}
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create image directory")
	}

	return &Updater{
		cfg:    c,
		client: client,
		logger: logger.WithField("component", "ota"),
	}, nil
}

// Active returns the slot the next start should run. A missing marker means slot a.
func (u *Updater) Active() (Slot, error) {
	raw, err := os.ReadFile(filepath.Join(u.cfg.Dir, markerFile))
	if os.IsNotExist(err) {
		return SlotA, nil
	}
	if err != nil {
		return "", errors.NewPersistenceError(markerFile, "read", err)
	}

	switch s := Slot(strings.TrimSpace(string(raw))); s {
	case SlotA, SlotB:
		return s, nil
	default:
		return "", errors.NewPersistenceError(markerFile, "read", fmt.Errorf("unknown slot %q", s))
	}
}

// SlotPath returns where the image for a slot lives
func (u *Updater) SlotPath(s Slot) string {
	return filepath.Join(u.cfg.Dir, string(s), u.cfg.ImageName)
}

// Update downloads uri into the inactive slot and activates it. On any error
// the active slot is left untouched.
func (u *Updater) Update(ctx context.Context, uri string) (*Result, error) {
	if !u.mu.TryLock() {
		return nil, ErrInProgress
	}
	defer u.mu.Unlock()

	parsed, err := url.Parse(uri)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "image uri %q", uri)
	}

	active, err := u.Active()
	if err != nil {
		return nil, err
	}
	target := active.Other()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "image uri %q: %v", uri, err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.logger.WithField("status", resp.StatusCode).Error("Unexpected HTTP response")
		return nil, fmt.Errorf("%w: %d", ErrInvalidResponse, resp.StatusCode)
	}

	size := resp.ContentLength
	if size <= u.cfg.MinSize {
		return nil, fmt.Errorf("%w: size %d is too small", ErrImageInvalid, size)
	}
	if size > u.cfg.MaxSize {
		return nil, fmt.Errorf("%w: size %d is too large", ErrImageInvalid, size)
	}

	u.logger.WithFields(logrus.Fields{
		"uri":  parsed.Redacted(),
		"size": size,
		"slot": target,
	}).Info("Starting update")

	path := u.SlotPath(target)
	total, err := u.download(resp.Body, path, size)
	if err != nil {
		u.logger.WithError(err).WithField("received", total).WithField("size", size).Error("Error while writing update, aborting")
		return nil, err
	}

	if err := u.activate(target); err != nil {
		return nil, err
	}

	u.logger.WithField("slot", target).WithField("bytes", total).Info("Update complete")
	return &Result{Slot: target, Path: path, Bytes: total}, nil
}

// download streams exactly size bytes to a temp file and renames it over path
func (u *Updater) download(body io.Reader, path string, size int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, errors.NewPersistenceError(path, "mkdir", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, errors.NewPersistenceError(path, "create", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	buf := make([]byte, u.cfg.ChunkSize)
	var total int64
	nextReport := int64(10)
	for total < size {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return total, errors.NewPersistenceError(path, "write", err)
			}
			total += int64(n)

			pct := 100 * total / size
			u.logger.WithField("progress", pct).Debug("Update progress")
			if pct >= nextReport {
				u.logger.Infof("Update progress: %d%%", pct)
				nextReport = pct - pct%10 + 10
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return total, fmt.Errorf("%w: %v", ErrIncomplete, rerr)
		}
	}

	if total < size {
		f.Close()
		return total, fmt.Errorf("%w: %d of %d bytes received", ErrIncomplete, total, size)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return total, errors.NewPersistenceError(path, "sync", err)
	}
	if err := f.Close(); err != nil {
		return total, errors.NewPersistenceError(path, "close", err)
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return total, errors.NewPersistenceError(path, "chmod", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return total, errors.NewPersistenceError(path, "rename", err)
	}
	return total, nil
}

func (u *Updater) activate(s Slot) error {
	marker := filepath.Join(u.cfg.Dir, markerFile)
	tmp := marker + ".tmp"
	if err := os.WriteFile(tmp, []byte(string(s)+"\n"), 0644); err != nil {
		return errors.NewPersistenceError(markerFile, "write", err)
	}
	if err := os.Rename(tmp, marker); err != nil {
		os.Remove(tmp)
		return errors.NewPersistenceError(markerFile, "rename", err)
	}
	return nil
}
