package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrCorrupt is returned by JSONFile.Load when the file does not decode.
var ErrCorrupt = errors.New("corrupt task file")

// JSONFile keeps the snapshot in one indented JSON object keyed by task id.
type JSONFile struct {
	Path string
	now  func() time.Time
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path, now: time.Now}
}

// Save writes to a temporary file next to Path and renames it into place.
func (f *JSONFile) Save(snap Snapshot) error {
	if snap == nil {
		snap = Snapshot{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create task file dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// Load returns an empty snapshot when the file does not exist. A file that
// does not decode is copied to <Path>.backup.<unix> and reported as
// ErrCorrupt. Single records that do not decode are skipped.
func (f *JSONFile) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		backup, berr := f.backup()
		if berr != nil {
			return nil, fmt.Errorf("%w: %v (backup failed: %v)", ErrCorrupt, err, berr)
		}
		return nil, fmt.Errorf("%w: %v (backed up to %s)", ErrCorrupt, err, backup)
	}

	snap := make(Snapshot, len(raw))
	for id, msg := range raw {
		var t Task
		if err := json.Unmarshal(msg, &t); err != nil {
			continue
		}
		snap[id] = t
	}
	return snap, nil
}

func (f *JSONFile) backup() (string, error) {
	name := f.Path + ".backup." + strconv.FormatInt(f.now().Unix(), 10)
	src, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return name, dst.Close()
}
