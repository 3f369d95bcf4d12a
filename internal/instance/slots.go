package instance

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Slot is a persisted lock file as seen on disk.
type Slot struct {
	Index   int
	Path    string
	UUID    uuid.UUID
	Valid   bool
	ModTime time.Time
}

// ListSlots reads the lock files for (clientID, env) without locking them.
func ListSlots(dir, clientID, env string) ([]Slot, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	hash := appEnvHash(clientID, env)

	var slots []Slot
	for i := 0; i < MaxSlots; i++ {
		path := slotPath(dir, hash, i)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		slot := Slot{Index: i, Path: path, ModTime: info.ModTime()}
		if id, err := uuid.Parse(strings.TrimSpace(string(raw))); err == nil {
			slot.UUID, slot.Valid = id, true
		}
		slots = append(slots, slot)
	}
	return slots, nil
}
