// Package instance derives a per-process identity that survives restarts.
//
// Lock files live in a shared directory, one per (client id, environment)
// hash and slot. A process claims the first slot it can lock exclusively and
// reuses the UUID stored there unless it is older than MaxAge.
package instance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxSlots = 100
	MaxAge   = 24 * time.Hour
)

// Lock holds the instance UUID and, when persisted, the locked slot file.
type Lock struct {
	uuid uuid.UUID
	file *os.File
}

// Options tune where and how locks are acquired.
type Options struct {
	Dir    string
	MaxAge time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultDir is the shared lock directory under the system temp dir.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "apitally")
}

// Acquire never fails: on any I/O error, or when every slot is taken, it
// returns an in-memory UUID without a persisted lock.
func Acquire(clientID, env string, opts Options) *Lock {
	if opts.Dir == "" {
		opts.Dir = DefaultDir()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = MaxAge
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		opts.Logger.Warn("instance lock dir unavailable, using ephemeral id", zap.Error(err), zap.String("dir", opts.Dir))
		return &Lock{uuid: uuid.New()}
	}

	hash := appEnvHash(clientID, env)
	for slot := 0; slot < MaxSlots; slot++ {
		lock, err := tryAcquireSlot(slotPath(opts.Dir, hash, slot), opts)
		if err != nil {
			continue
		}
		return lock
	}

	opts.Logger.Debug("all instance lock slots taken, using ephemeral id", zap.String("hash", hash))
	return &Lock{uuid: uuid.New()}
}

func tryAcquireSlot(path string, opts Options) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := tryLockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	id, err := readOrRenew(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Lock{uuid: id, file: file}, nil
}

func readOrRenew(file *os.File, opts Options) (uuid.UUID, error) {
	info, err := file.Stat()
	if err != nil {
		return uuid.Nil, err
	}
	tooOld := opts.Now().Sub(info.ModTime()) > opts.MaxAge

	buf := make([]byte, 64)
	n, err := file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return uuid.Nil, err
	}
	if existing, parseErr := uuid.Parse(strings.TrimSpace(string(buf[:n]))); parseErr == nil && !tooOld {
		return existing, nil
	}

	id := uuid.New()
	if err := file.Truncate(0); err != nil {
		return uuid.Nil, err
	}
	if _, err := file.WriteAt([]byte(id.String()), 0); err != nil {
		return uuid.Nil, err
	}
	if err := file.Sync(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func slotPath(dir, hash string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("instance_%s_%d.lock", hash, slot))
}

func appEnvHash(clientID, env string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + env))
	return hex.EncodeToString(sum[:4])
}

// UUID returns the instance identity.
func (l *Lock) UUID() uuid.UUID { return l.uuid }

// Persisted reports whether the identity is backed by a held lock file.
func (l *Lock) Persisted() bool { return l.file != nil }

// Close releases the slot. The file is kept so the next process with the same
// identity can reuse its UUID.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
