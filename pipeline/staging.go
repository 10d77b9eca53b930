package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Staging is the scratch directory holding downloaded history files until
// they are persisted. Files are named <id>_<filename>, so workers never
// collide and a later run can tell which ids are already downloaded.
type Staging struct {
	dir string
}

const stagingSep = "_"

func NewStaging(dir string) (*Staging, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tfinance")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{dir: dir}, nil
}

func (s *Staging) Dir() string {
	return s.dir
}

// Stage writes body for id and returns the final path. The file is written
// under a temporary name and renamed, so a crash never leaves a truncated
// file behind.
func (s *Staging) Stage(id, fileName string, body []byte) (string, error) {
	name := id + stagingSep + safeFileName(fileName)
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// Index maps instrument ids to their staged file.
func (s *Staging) Index() (map[string]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	index := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id, ok := stagedID(e.Name())
		if !ok {
			continue
		}
		index[id] = filepath.Join(s.dir, e.Name())
	}
	return index, nil
}

func (s *Staging) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reset deletes every staged and temporary file except those of the ids
// keep reports. A nil keep deletes everything.
func (s *Staging) Reset(keep func(id string) bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := stagedID(e.Name()); ok && keep != nil && keep(id) {
			continue
		}
		if err := s.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// stagedID extracts the instrument id from a staged name, <id>_<file>, or
// from a temporary one, .<id>-<random>.tmp.
func stagedID(name string) (string, bool) {
	sep := stagingSep
	if strings.HasPrefix(name, ".") {
		name, sep = name[1:], "-"
	}
	id, _, ok := strings.Cut(name, sep)
	return id, ok && id != ""
}

func safeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "history.csv"
	}
	return name
}
