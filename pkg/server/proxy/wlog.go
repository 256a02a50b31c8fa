package proxy

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/volume"
	"github.com/marmos91/blockcdp/pkg/walog"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// handleWlogTransfer terminates a wlog stream from storage and folds
// it into one wdiff per registered archive.
//
// Stream framing: after the parameter block, each pack arrives as a
// header-block message followed by one message per payload-carrying
// record. Discard records occupy a header slot but ship no payload.
func (d *Daemon) handleWlogTransfer(ctx *server.Ctx) error {
	pkt := ctx.Pkt
	volID, err := pkt.ReadString()
	if err != nil {
		return err
	}
	srcUUID, err := pkt.ReadUUID()
	if err != nil {
		return err
	}
	pbs, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	if err := block.CheckPBS(pbs); err != nil {
		return fmt.Errorf("wlog-transfer %s: %w", volID, err)
	}
	salt, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	gidB, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	gidE, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	lsidB, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	lsidE, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	if lsidE <= lsidB {
		return fmt.Errorf("wlog-transfer %s: empty lsid range [%d,%d)", volID, lsidB, lsidE)
	}
	if gidE <= gidB {
		return fmt.Errorf("wlog-transfer %s: empty gid range [%d,%d)", volID, gidB, gidE)
	}

	st := d.vols.Get(volID)
	st.Lock.Lock()
	if st.Stop.IsStopping() {
		st.Lock.Unlock()
		return ctx.WriteErr(server.MsgStopped)
	}
	tx, err := st.SM.Begin(StStarted, stWlogRecv)
	if err != nil {
		st.Lock.Unlock()
		return err
	}
	st.Lock.Unlock()

	commit := false
	defer func() {
		st.Lock.Lock()
		if !commit {
			tx.Rollback()
		}
		st.Lock.Unlock()
	}()

	if err := ctx.WriteOk(); err != nil {
		return err
	}

	mem, total, err := d.recvWlogToMemory(ctx, pbs, salt)
	if err != nil {
		return err
	}
	d.xferMetrics.AddReceived(server.ProtoWlogTransfer, volID, total)

	diff := meta.Diff{
		B:         meta.NewSnap(gidB),
		E:         meta.NewSnap(gidE),
		Mergeable: true,
		Timestamp: time.Now().UTC(),
	}
	if err := d.storeDiffForArchives(volID, srcUUID, diff, mem); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StStarted)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	d.xferMetrics.RecordCompleted(server.ProtoWlogTransfer, volID)
	d.sched.Kick()
	logger.Info("wlog received",
		logger.KeyVol, volID, logger.KeyGidB, gidB, logger.KeyGidE, gidE,
		logger.KeyLsid, lsidE, logger.KeyBytes, total)
	return pkt.WriteAck()
}

// recvWlogToMemory drains the pack stream, verifying headers and IO
// checksums against pbs and salt, and folds the writes into a diff
// memory with last-writer-wins semantics.
func (d *Daemon) recvWlogToMemory(ctx *server.Ctx, pbs, salt uint32) (*wdiff.Memory, int, error) {
	recv := transport.NewReceiver(ctx.Conn)
	recv.Start()

	mem := wdiff.NewMemory()
	total := 0
	for {
		if err := d.srv.Refresh(ctx.Conn); err != nil {
			return nil, 0, err
		}
		msg, ok, err := recv.Pop()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return mem, total, nil
		}
		if uint32(len(msg)) != pbs {
			recv.Fail()
			return nil, 0, fmt.Errorf("%w: pack header size %d != pbs %d",
				walog.ErrCorruptLog, len(msg), pbs)
		}
		embedded := binary.LittleEndian.Uint64(msg[4:])
		header, err := walog.ParsePackHeader(msg, pbs, salt, embedded)
		if err != nil {
			recv.Fail()
			return nil, 0, err
		}
		total += len(msg)

		for _, rec := range header.Records {
			if rec.IsPadding() {
				continue
			}
			if rec.IsDiscard() {
				if err := mem.Add(rec.OffsetLb, rec.IoSizeLb, wdiff.RecDiscard, nil); err != nil {
					recv.Fail()
					return nil, 0, err
				}
				continue
			}
			data, ok, err := recv.Pop()
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				return nil, 0, fmt.Errorf("%w: stream ended mid-pack", walog.ErrCorruptLog)
			}
			want := block.LbToBytes(uint64(rec.IoSizeLb))
			if uint64(len(data)) != want {
				recv.Fail()
				return nil, 0, fmt.Errorf("%w: io size %d != %d", walog.ErrCorruptLog, len(data), want)
			}
			if got := block.Checksum(data, salt); got != rec.Checksum {
				recv.Fail()
				return nil, 0, fmt.Errorf("%w: io checksum mismatch at lsid %d",
					walog.ErrCorruptLog, rec.Lsid)
			}
			if err := mem.Add(rec.OffsetLb, rec.IoSizeLb, wdiff.RecNormal, data); err != nil {
				recv.Fail()
				return nil, 0, err
			}
			total += len(data)
		}
	}
}

// storeDiffForArchives writes the folded diff into the first
// archive's queue and hardlinks it into the others.
func (d *Daemon) storeDiffForArchives(volID string, srcUUID uuid.UUID, diff meta.Diff, mem *wdiff.Memory) error {
	archives, err := d.archiveIDs(volID)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		return fmt.Errorf("wlog-transfer %s: no archives registered", volID)
	}
	entries, err := d.loadArchiveInfo(volID)
	if err != nil {
		return err
	}

	var firstPath string
	for i, archiveID := range archives {
		info, err := d.archiveDirInfo(volID, archiveID)
		if err != nil {
			return err
		}
		if i > 0 && firstPath != "" {
			// The diff content is archive-independent; hardlink when
			// the filesystem allows it.
			dst := info.WdiffPath(diff)
			if err := os.Link(firstPath, dst); err == nil {
				if fi, err := os.Stat(dst); err == nil {
					linked := diff
					linked.SizeB = uint64(fi.Size())
					if err := info.DiffMgr().Add(linked); err != nil {
						return err
					}
					continue
				}
			}
			// Fall through to an independent write.
		}
		spec := compress.DefaultSpec
		if e, ok := entries[archiveID]; ok && e.Compression != "" {
			if s, err := compress.ParseSpec(e.Compression); err == nil {
				spec = s
			}
		}
		path, err := writeMemoryAsWdiff(info, srcUUID, diff, mem, spec.Mode)
		if err != nil {
			return err
		}
		if i == 0 {
			firstPath = path
		}
	}
	return nil
}

// writeMemoryAsWdiff publishes a diff memory into one queue
// directory and returns the published path.
func writeMemoryAsWdiff(info *volume.Info, srcUUID uuid.UUID, diff meta.Diff, mem *wdiff.Memory, mode compress.Mode) (string, error) {
	tmp, err := info.CreateTempWdiff()
	if err != nil {
		return "", err
	}
	header := wdiff.Header{UUID: srcUUID, MaxIoLb: wdiff.DefaultMaxIoLb, Salt: diffSalt(diff)}
	w, err := wdiff.NewWriter(tmp, header, 0)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := mem.WriteTo(w, mode); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := info.PublishWdiff(tmp, diff); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return info.WdiffPath(diff), nil
}

// diffSalt derives a deterministic checksum salt from the diff
// identity so re-generated files stay byte-comparable.
func diffSalt(d meta.Diff) uint32 {
	return uint32(d.B.GidB)*2654435761 + uint32(d.E.GidB)
}
