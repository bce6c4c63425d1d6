package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotVersion guards against loading posteriors written by an
// incompatible build.
const snapshotVersion = 1

type snapshotFile struct {
	Version int                     `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	Buckets map[string]*[3]armState `json:"buckets"`
}

// Save writes the posterior atomically: temp file in the same directory,
// fsync, then rename. A crash mid-write leaves the previous snapshot intact.
func (b *Bandit) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}

	b.mu.Lock()
	snap := snapshotFile{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Buckets: make(map[string]*[3]armState, len(b.buckets)),
	}
	for k, v := range b.buckets {
		arms := *v
		snap.Buckets[k] = &arms
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "bandit-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, "bandit.snap"))
}

// Load restores the posterior from dir. A missing, corrupt, or
// version-mismatched snapshot reinitializes clean state instead of failing
// the process; the router must always come up.
func (b *Bandit) Load(dir string) error {
	path := filepath.Join(dir, "bandit.snap")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil || snap.Version != snapshotVersion {
		b.logger.Printf("⚠️ bandit snapshot unusable, reinitializing (err=%v version=%d)", err, snap.Version)
		b.mu.Lock()
		b.buckets = make(map[string]*[3]armState)
		b.mu.Unlock()
		return nil
	}

	b.mu.Lock()
	b.buckets = snap.Buckets
	if b.buckets == nil {
		b.buckets = make(map[string]*[3]armState)
	}
	b.mu.Unlock()
	b.logger.Printf("✅ bandit snapshot loaded: %d buckets", len(snap.Buckets))
	return nil
}

// RunSnapshots saves the posterior on the given cadence until stop is
// closed, with a final save on the way out.
func (b *Bandit) RunSnapshots(dir string, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.Save(dir); err != nil {
				b.logger.Printf("⚠️ bandit snapshot save failed: %v", err)
			}
		case <-stop:
			if err := b.Save(dir); err != nil {
				b.logger.Printf("⚠️ final bandit snapshot failed: %v", err)
			}
			return
		}
	}
}
