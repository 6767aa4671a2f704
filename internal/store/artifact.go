package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"wgsteward/internal/compile"
)

// ArtifactStore keeps the last-applied artifact and the in-flight
// transaction sidecar as JSON files in one directory. The sidecar only
// exists while a safety-mode commit awaits confirmation; finding one at
// startup means the daemon died inside a verification window and the
// previous artifact must be restored.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

func (s *ArtifactStore) lastAppliedPath() string {
	return filepath.Join(s.dir, "last-applied.json")
}

func (s *ArtifactStore) sidecarPath() string {
	return filepath.Join(s.dir, "transaction.json")
}

// LastApplied returns the recorded artifact, or nil when nothing has
// ever been applied.
func (s *ArtifactStore) LastApplied() (*compile.Artifact, error) {
	data, err := os.ReadFile(s.lastAppliedPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var art compile.Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode last-applied artifact: %w", err)
	}
	return &art, nil
}

// SaveLastApplied records art as the last-applied artifact. A nil art
// clears the record.
func (s *ArtifactStore) SaveLastApplied(art *compile.Artifact) error {
	if art == nil {
		err := os.Remove(s.lastAppliedPath())
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(s.lastAppliedPath(), data)
}

// Transaction is the crash-recovery sidecar for a verification window.
type Transaction struct {
	ID        string            `json:"id"`
	Deadline  time.Time         `json:"deadline"`
	Previous  *compile.Artifact `json:"previous,omitempty"`
	Candidate *compile.Artifact `json:"candidate"`
}

// SaveTransaction writes the sidecar before the candidate goes live.
func (s *ArtifactStore) SaveTransaction(txn *Transaction) error {
	data, err := json.MarshalIndent(txn, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(s.sidecarPath(), data)
}

// PendingTransaction returns the sidecar if one exists, else nil.
func (s *ArtifactStore) PendingTransaction() (*Transaction, error) {
	data, err := os.ReadFile(s.sidecarPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var txn Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, fmt.Errorf("decode transaction sidecar: %w", err)
	}
	return &txn, nil
}

// ClearTransaction removes the sidecar once the window closes.
func (s *ArtifactStore) ClearTransaction() error {
	err := os.Remove(s.sidecarPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
