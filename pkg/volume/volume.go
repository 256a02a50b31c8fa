// Package volume manages the persistent per-volume directory used by
// the daemons: a textual state file, the source device uuid, the
// serialized base MetaState, the base image, restored images, and the
// wdiff files named after their MetaDiff.
//
// All metadata updates go through a temp-file rename so a crash never
// leaves a half-written record behind.
package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/meta"
)

const (
	stateFile = "state"
	uuidFile  = "uuid"
	baseFile  = "base"
	imageFile = "image"

	restorePrefix = "r_"
	tmpSuffix     = ".tmp"
)

// Info is the handle to one volume directory.
type Info struct {
	baseDir string
	volID   string
	diffMgr *meta.DiffManager
}

// New returns a handle. The directory may not exist yet.
func New(baseDir, volID string, diffMgr *meta.DiffManager) *Info {
	return &Info{baseDir: baseDir, volID: volID, diffMgr: diffMgr}
}

// VolID returns the volume identifier.
func (v *Info) VolID() string { return v.volID }

// Dir returns the volume directory path.
func (v *Info) Dir() string { return filepath.Join(v.baseDir, v.volID) }

// DiffMgr returns the in-memory diff set.
func (v *Info) DiffMgr() *meta.DiffManager { return v.diffMgr }

// Exists reports whether the volume directory exists.
func (v *Info) Exists() bool {
	st, err := os.Stat(v.Dir())
	return err == nil && st.IsDir()
}

// Init creates the volume directory with its initial state.
func (v *Info) Init(id uuid.UUID, initialState string) error {
	if err := os.MkdirAll(v.Dir(), 0o755); err != nil {
		return fmt.Errorf("init volume %s: %w", v.volID, err)
	}
	if err := v.SetUUID(id); err != nil {
		return err
	}
	if err := v.SetState(initialState); err != nil {
		return err
	}
	logger.Info("volume initialized", logger.KeyVol, v.volID, logger.KeyPath, v.Dir())
	return nil
}

// Clear removes the volume directory and forgets all diffs.
func (v *Info) Clear() error {
	if err := os.RemoveAll(v.Dir()); err != nil {
		return fmt.Errorf("clear volume %s: %w", v.volID, err)
	}
	v.diffMgr.Clear()
	logger.Info("volume cleared", logger.KeyVol, v.volID)
	return nil
}

// writeFileAtomic writes data to name inside the volume directory via
// a temp file and rename.
func (v *Info) writeFileAtomic(name string, data []byte) error {
	dir := v.Dir()
	tmp, err := os.CreateTemp(dir, name+tmpSuffix)
	if err != nil {
		return fmt.Errorf("volume %s: create temp for %s: %w", v.volID, name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("volume %s: write %s: %w", v.volID, name, err)
	}
	if err := unix.Fdatasync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return fmt.Errorf("volume %s: fdatasync %s: %w", v.volID, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("volume %s: close %s: %w", v.volID, name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("volume %s: publish %s: %w", v.volID, name, err)
	}
	return nil
}

// State reads the textual state file.
func (v *Info) State() (string, error) {
	data, err := os.ReadFile(filepath.Join(v.Dir(), stateFile))
	if err != nil {
		return "", fmt.Errorf("volume %s: read state: %w", v.volID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetState writes the textual state file.
func (v *Info) SetState(s string) error {
	return v.writeFileAtomic(stateFile, []byte(s+"\n"))
}

// UUID reads the source device uuid.
func (v *Info) UUID() (uuid.UUID, error) {
	data, err := os.ReadFile(filepath.Join(v.Dir(), uuidFile))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("volume %s: read uuid: %w", v.volID, err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("volume %s: parse uuid: %w", v.volID, err)
	}
	return id, nil
}

// SetUUID writes the source device uuid.
func (v *Info) SetUUID(id uuid.UUID) error {
	return v.writeFileAtomic(uuidFile, []byte(id.String()+"\n"))
}

// MetaState reads the serialized base record.
func (v *Info) MetaState() (meta.State, error) {
	data, err := os.ReadFile(filepath.Join(v.Dir(), baseFile))
	if err != nil {
		return meta.State{}, fmt.Errorf("volume %s: read base: %w", v.volID, err)
	}
	return meta.UnmarshalState(data)
}

// SetMetaState writes the serialized base record.
func (v *Info) SetMetaState(s meta.State) error {
	if !s.Valid() {
		return fmt.Errorf("volume %s: refuse to persist invalid state %s", v.volID, s)
	}
	return v.writeFileAtomic(baseFile, s.Marshal())
}

// ReloadDiffs rebuilds the diff manager by scanning the wdiff files
// in the volume directory. Unparsable names are skipped with a
// warning.
func (v *Info) ReloadDiffs() error {
	entries, err := os.ReadDir(v.Dir())
	if err != nil {
		return fmt.Errorf("volume %s: scan diffs: %w", v.volID, err)
	}
	v.diffMgr.Clear()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".wdiff") {
			continue
		}
		d, err := meta.ParseDiffFilename(name)
		if err != nil {
			logger.Warn("skipping unrecognized wdiff file",
				logger.KeyVol, v.volID, logger.KeyPath, name, logger.KeyError, err.Error())
			continue
		}
		if fi, err := e.Info(); err == nil {
			d.SizeB = uint64(fi.Size())
			d.Timestamp = fi.ModTime().UTC()
		}
		if err := v.diffMgr.Add(d); err != nil {
			logger.Warn("skipping conflicting wdiff file",
				logger.KeyVol, v.volID, logger.KeyPath, name, logger.KeyError, err.Error())
		}
	}
	return nil
}

// WdiffPath returns the path a diff is published at.
func (v *Info) WdiffPath(d meta.Diff) string {
	return filepath.Join(v.Dir(), d.Filename())
}

// CreateTempWdiff opens a temp file in the volume directory for an
// incoming diff.
func (v *Info) CreateTempWdiff() (*os.File, error) {
	f, err := os.CreateTemp(v.Dir(), "wdiff"+tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("volume %s: create temp wdiff: %w", v.volID, err)
	}
	return f, nil
}

// PublishWdiff makes a fully-written temp wdiff durable, renames it
// to its final name, and registers the diff. The file must still be
// open; it is closed here.
func (v *Info) PublishWdiff(tmp *os.File, d meta.Diff) error {
	if err := unix.Fdatasync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return fmt.Errorf("volume %s: fdatasync wdiff: %w", v.volID, err)
	}
	fi, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("volume %s: stat wdiff: %w", v.volID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("volume %s: close wdiff: %w", v.volID, err)
	}
	d.SizeB = uint64(fi.Size())
	if err := os.Rename(tmp.Name(), v.WdiffPath(d)); err != nil {
		return fmt.Errorf("volume %s: publish wdiff %s: %w", v.volID, d, err)
	}
	if err := v.diffMgr.Add(d); err != nil {
		return fmt.Errorf("volume %s: register wdiff: %w", v.volID, err)
	}
	logger.Info("wdiff published",
		logger.KeyVol, v.volID, logger.KeyDiff, d.String(), logger.KeyBytes, d.SizeB)
	return nil
}

// RemoveWdiffs deletes the given diffs from disk and the manager.
func (v *Info) RemoveWdiffs(diffs []meta.Diff) error {
	var firstErr error
	for _, d := range diffs {
		if err := os.Remove(v.WdiffPath(d)); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("volume %s: remove %s: %w", v.volID, d, err)
			}
			continue
		}
		v.diffMgr.Remove(d)
	}
	return firstErr
}

// ImagePath returns the base image path.
func (v *Info) ImagePath() string { return filepath.Join(v.Dir(), imageFile) }

// HasImage reports whether a base image exists.
func (v *Info) HasImage() bool {
	_, err := os.Stat(v.ImagePath())
	return err == nil
}

// CreateImage allocates a zeroed base image of sizeLb logical blocks.
func (v *Info) CreateImage(sizeLb uint64) error {
	f, err := os.OpenFile(v.ImagePath(), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("volume %s: create image: %w", v.volID, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(block.LbToBytes(sizeLb))); err != nil {
		return fmt.Errorf("volume %s: size image: %w", v.volID, err)
	}
	return nil
}

// ImageSizeLb returns the base image size in logical blocks.
func (v *Info) ImageSizeLb() (uint64, error) {
	fi, err := os.Stat(v.ImagePath())
	if err != nil {
		return 0, fmt.Errorf("volume %s: stat image: %w", v.volID, err)
	}
	return block.BytesToLb(uint64(fi.Size())), nil
}

// ResizeImage grows the base image. Shrinking is refused.
func (v *Info) ResizeImage(newSizeLb uint64) error {
	cur, err := v.ImageSizeLb()
	if err != nil {
		return err
	}
	if newSizeLb < cur {
		return fmt.Errorf("volume %s: resize to %d lb below current %d lb", v.volID, newSizeLb, cur)
	}
	f, err := os.OpenFile(v.ImagePath(), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("volume %s: open image: %w", v.volID, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(block.LbToBytes(newSizeLb))); err != nil {
		return fmt.Errorf("volume %s: resize image: %w", v.volID, err)
	}
	logger.Info("volume resized", logger.KeyVol, v.volID, logger.KeySizeLb, newSizeLb)
	return nil
}

// RestorePath returns the path of a restored image for gid.
func (v *Info) RestorePath(gid uint64) string {
	return filepath.Join(v.Dir(), fmt.Sprintf("%s%d", restorePrefix, gid))
}

// Restored lists the gids of restored images, ascending.
func (v *Info) Restored() ([]uint64, error) {
	entries, err := os.ReadDir(v.Dir())
	if err != nil {
		return nil, fmt.Errorf("volume %s: list restored: %w", v.volID, err)
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, restorePrefix) {
			continue
		}
		var gid uint64
		if _, err := fmt.Sscanf(name, restorePrefix+"%d", &gid); err != nil {
			continue
		}
		out = append(out, gid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DelRestored removes the restored image for gid.
func (v *Info) DelRestored(gid uint64) error {
	if err := os.Remove(v.RestorePath(gid)); err != nil {
		return fmt.Errorf("volume %s: del restored %d: %w", v.volID, gid, err)
	}
	return nil
}
