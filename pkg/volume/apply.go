package volume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// applyPollInterval is how many merged ranges are written between
// stop-flag polls.
const applyPollInterval = 256

// Apply folds the applicable diff chain up to the clean snapshot gid
// into the base image and advances the base record. The pending-apply
// marker is persisted first, so a crash or force stop mid-apply can
// be completed by re-running the same apply: the surviving diffs are
// re-applied idempotently.
func (v *Info) Apply(gid uint64, stop *state.StopFlag) error {
	base, err := v.MetaState()
	if err != nil {
		return err
	}
	diffs, err := v.resolveChain(base, gid)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		return nil
	}

	applying, err := base.BeginApply(diffs[len(diffs)-1])
	if err != nil {
		if base.Applying && base.Pending == meta.NewSnap(gid) {
			// Resuming an interrupted apply of the same target.
			applying = base
		} else {
			return fmt.Errorf("volume %s: %w", v.volID, err)
		}
	}
	if err := v.SetMetaState(applying); err != nil {
		return err
	}

	merger, closeAll, err := v.openMerger(diffs, 0)
	if err != nil {
		return err
	}
	defer closeAll()

	img, err := os.OpenFile(v.ImagePath(), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("volume %s: open image: %w", v.volID, err)
	}
	defer img.Close()

	started := time.Now()
	var appliedLb uint64
	var zeros []byte
	for i := 0; ; i++ {
		if i%applyPollInterval == 0 && stop != nil && stop.IsForce() {
			return fmt.Errorf("volume %s: apply %d: %w", v.volID, gid, state.ErrStopped)
		}
		out, err := merger.Pop()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		off := int64(block.LbToBytes(out.AddrLb))
		size := block.LbToBytes(uint64(out.BlocksLb))
		data := out.Data
		if data == nil {
			if uint64(len(zeros)) < size {
				zeros = make([]byte, size)
			}
			data = zeros[:size]
		}
		if _, err := img.WriteAt(data, off); err != nil {
			return fmt.Errorf("volume %s: apply write at %d: %w", v.volID, off, err)
		}
		appliedLb += uint64(out.BlocksLb)
	}
	if err := unix.Fdatasync(int(img.Fd())); err != nil {
		return fmt.Errorf("volume %s: fdatasync image: %w", v.volID, err)
	}

	done, err := applying.EndApply(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("volume %s: %w", v.volID, err)
	}
	if err := v.SetMetaState(done); err != nil {
		return err
	}
	if err := v.RemoveWdiffs(diffs); err != nil {
		return err
	}
	logger.Info("apply completed",
		logger.KeyVol, v.volID, logger.KeyGid, gid,
		logger.KeySizeLb, appliedLb, "elapsed", time.Since(started).String())
	return nil
}

// MergeDiffs folds a contiguous mergeable run starting at gidB into a
// single composite wdiff, published atomically. maxSizeB bounds the
// summed input size (0 = unbounded). The inputs are unregistered
// before the composite is registered, since the composite shares the
// first input's begin gid; their files are deleted only after the
// composite is published.
func (v *Info) MergeDiffs(gidB, gidE uint64, maxSizeB uint64, stop *state.StopFlag) (meta.Diff, error) {
	diffs := v.diffMgr.GetMergeableDiffList(gidB, maxSizeB)
	if len(diffs) < 2 {
		return meta.Diff{}, fmt.Errorf("volume %s: no mergeable run at gid %d", v.volID, gidB)
	}
	if gidE != 0 {
		// Trim the run at the requested end gid.
		n := len(diffs)
		for i, d := range diffs {
			if d.E.GidB > gidE {
				n = i
				break
			}
		}
		diffs = diffs[:n]
		if len(diffs) < 2 {
			return meta.Diff{}, fmt.Errorf("volume %s: merge range [%d,%d] too narrow", v.volID, gidB, gidE)
		}
	}

	// Reuse the header of the first input for uuid, salt, and the IO
	// size bound of the composite.
	first, err := os.Open(v.WdiffPath(diffs[0]))
	if err != nil {
		return meta.Diff{}, fmt.Errorf("volume %s: open wdiff: %w", v.volID, err)
	}
	firstReader, err := wdiff.NewReader(first)
	if err != nil {
		first.Close()
		return meta.Diff{}, err
	}
	header := firstReader.Header()
	first.Close()

	merger, closeAll, err := v.openMerger(diffs, header.MaxIoLb)
	if err != nil {
		return meta.Diff{}, err
	}
	defer closeAll()
	if err := merger.CheckMergeable(); err != nil {
		return meta.Diff{}, err
	}
	merged, err := merger.MergedDiff()
	if err != nil {
		return meta.Diff{}, err
	}
	merged.Timestamp = time.Now().UTC()

	tmp, err := v.CreateTempWdiff()
	if err != nil {
		return meta.Diff{}, err
	}
	defer os.Remove(tmp.Name())

	w, err := wdiff.NewWriter(tmp, header, 0)
	if err != nil {
		tmp.Close()
		return meta.Diff{}, err
	}
	if err := mergeChunked(merger, w, stop); err != nil {
		tmp.Close()
		return meta.Diff{}, fmt.Errorf("volume %s: merge [%d,%d]: %w", v.volID, gidB, gidE, err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return meta.Diff{}, err
	}
	for _, d := range diffs {
		v.diffMgr.Remove(d)
	}
	if err := v.PublishWdiff(tmp, merged); err != nil {
		for _, d := range diffs {
			_ = v.diffMgr.Add(d)
		}
		return meta.Diff{}, err
	}
	if err := v.RemoveWdiffs(diffs); err != nil {
		return meta.Diff{}, err
	}
	logger.Info("diffs merged",
		logger.KeyVol, v.volID, logger.KeyDiff, merged.String(), "inputs", len(diffs))
	return merged, nil
}

// mergeChunked drains the merger into the writer, polling the stop
// flag between ranges.
func mergeChunked(m *wdiff.Merger, w *wdiff.Writer, stop *state.StopFlag) error {
	for i := 0; ; i++ {
		if i%applyPollInterval == 0 && stop != nil && stop.IsForce() {
			return state.ErrStopped
		}
		out, err := m.Pop()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.AddRecord(out.AddrLb, out.BlocksLb, out.Flags, out.Data, compress.ModeSnappy); err != nil {
			return err
		}
	}
}
