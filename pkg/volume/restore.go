package volume

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// restoreChunkLb is the unit of work between stop-flag polls.
const restoreChunkLb = 1024

// openMerger builds a prepared merger over the given diff chain.
// maxIoLb bounds coalesced output ranges (0 = default). The returned
// closer releases the underlying files.
func (v *Info) openMerger(diffs []meta.Diff, maxIoLb uint32) (*wdiff.Merger, func(), error) {
	merger := wdiff.NewMerger(maxIoLb)
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, d := range diffs {
		f, err := os.Open(v.WdiffPath(d))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("volume %s: open wdiff %s: %w", v.volID, d, err)
		}
		files = append(files, f)
		r, err := wdiff.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := merger.Add(d, r); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	if err := merger.Prepare(); err != nil {
		closeAll()
		return nil, nil, err
	}
	return merger, closeAll, nil
}

// resolveChain returns the diff chain that advances the base snapshot
// to exactly the clean snapshot gid. An empty chain is valid when the
// base itself is the clean snapshot.
func (v *Info) resolveChain(base meta.State, gid uint64) ([]meta.Diff, error) {
	target := meta.NewSnap(gid)
	if base.Snap == target {
		return nil, nil
	}
	diffs := v.diffMgr.GetApplicableDiffListByGid(base.Snap, gid)
	if len(diffs) == 0 || diffs[len(diffs)-1].E != target {
		return nil, fmt.Errorf("volume %s: gid %d is not restorable from %s", v.volID, gid, base)
	}
	return diffs, nil
}

// Restore materializes the clean snapshot gid as a new image file:
// the base image is cloned through the virtual full reader with the
// applicable diff chain overlaid, then published atomically. A force
// stop aborts between chunks with ErrStopped and leaves nothing
// behind.
func (v *Info) Restore(gid uint64, stop *state.StopFlag) error {
	base, err := v.MetaState()
	if err != nil {
		return err
	}
	diffs, err := v.resolveChain(base, gid)
	if err != nil {
		return err
	}
	if _, err := os.Stat(v.RestorePath(gid)); err == nil {
		return fmt.Errorf("volume %s: gid %d already restored", v.volID, gid)
	}

	img, err := os.Open(v.ImagePath())
	if err != nil {
		return fmt.Errorf("volume %s: open image: %w", v.volID, err)
	}
	defer img.Close()

	var merger *wdiff.Merger
	if len(diffs) > 0 {
		var closeAll func()
		merger, closeAll, err = v.openMerger(diffs, 0)
		if err != nil {
			return err
		}
		defer closeAll()
	}

	tmp, err := os.CreateTemp(v.Dir(), restorePrefix+tmpSuffix)
	if err != nil {
		return fmt.Errorf("volume %s: create restore temp: %w", v.volID, err)
	}
	defer os.Remove(tmp.Name())

	started := time.Now()
	reader := wdiff.NewVirtualFullReader(img, merger)
	buf := make([]byte, restoreChunkLb*block.LogicalBlockSize)
	var totalLb uint64
	for {
		if stop != nil && stop.IsForce() {
			tmp.Close()
			return fmt.Errorf("volume %s: restore %d: %w", v.volID, gid, state.ErrStopped)
		}
		n, err := reader.ReadSome(buf)
		if n == 0 {
			break
		}
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(buf[:n]); err != nil {
			tmp.Close()
			return fmt.Errorf("volume %s: write restore: %w", v.volID, err)
		}
		totalLb += block.BytesToLb(uint64(n))
	}

	if err := unix.Fdatasync(int(tmp.Fd())); err != nil {
		tmp.Close()
		return fmt.Errorf("volume %s: fdatasync restore: %w", v.volID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("volume %s: close restore: %w", v.volID, err)
	}
	if err := os.Rename(tmp.Name(), v.RestorePath(gid)); err != nil {
		return fmt.Errorf("volume %s: publish restore %d: %w", v.volID, gid, err)
	}
	logger.Info("restore completed",
		logger.KeyVol, v.volID, logger.KeyGid, gid,
		logger.KeySizeLb, totalLb, "elapsed", time.Since(started).String())
	return nil
}
