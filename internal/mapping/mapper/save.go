package mapper

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/monitoring"
)

// MetadataFile is the sidecar written next to every saved map.
const MetadataFile = "map.yaml"

// SaveMap writes the current map to <path>/<name>/map.<ext> with a YAML
// sidecar. It can be called in any lifecycle state and concurrently with the
// worker; the files describe a single consistent snapshot. Saving an
// unchanged map twice produces identical files.
func (mp *Mapper) SaveMap(path string) error {
	snap := mp.m.Snapshot()
	dir := filepath.Join(path, mp.name)
	if err := saveSnapshot(mp.fs, dir, mp.name, snap); err != nil {
		monitoring.SaveTotal.WithLabelValues(mp.name, "error").Inc()
		mp.logf("save to %s failed: %v", dir, err)
		return err
	}
	monitoring.SaveTotal.WithLabelValues(mp.name, "ok").Inc()
	mp.logf("saved %s map (version %d, %d cells) to %s", snap.Variant(), snap.Version(), snap.CellCount(), dir)
	return nil
}

func saveSnapshot(fsys fsutil.FileSystem, dir, name string, snap *maps.Snapshot) error {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrPersistence, dir, err)
	}
	if !fsutil.IsDir(fsys, dir) {
		return fmt.Errorf("%w: %s is not a directory", ErrPersistence, dir)
	}

	md := snap.Metadata(name)
	var body, meta bytes.Buffer
	if err := snap.Encode(&body); err != nil {
		return fmt.Errorf("%w: encode map: %w", ErrPersistence, err)
	}
	if err := md.Encode(&meta); err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrPersistence, err)
	}
	if err := writeFileAtomic(fsys, filepath.Join(dir, md.File), body.Bytes()); err != nil {
		return err
	}
	return writeFileAtomic(fsys, filepath.Join(dir, MetadataFile), meta.Bytes())
}

// writeFileAtomic writes b to a temporary file and renames it over name.
func writeFileAtomic(fsys fsutil.FileSystem, name string, b []byte) error {
	tmp := name + ".tmp"
	f, err := fsys.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrPersistence, tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, tmp, err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("%w: close %s: %w", ErrPersistence, tmp, err)
	}
	if err := fsys.Rename(tmp, name); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %w", ErrPersistence, name, err)
	}
	return nil
}

// LoadMap reads a map saved by SaveMap from dir.
func LoadMap(fsys fsutil.FileSystem, dir string) (*maps.Snapshot, maps.Metadata, error) {
	raw, err := fsys.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, maps.Metadata{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	md, err := maps.ReadMetadata(bytes.NewReader(raw))
	if err != nil {
		return nil, maps.Metadata{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	body, err := fsys.ReadFile(filepath.Join(dir, md.File))
	if err != nil {
		return nil, md, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	snap, err := maps.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, md, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return snap, md, nil
}
