package archive

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/volume"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// handleDirtyFullSync terminates the full-sync protocol: it creates
// the base image, receives the snappy-compressed bulk stream, and
// names the initial snapshot.
func (d *Daemon) handleDirtyFullSync(ctx *server.Ctx) error {
	pkt := ctx.Pkt
	hostType, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if hostType != server.HostTypeStorage && hostType != server.HostTypeArchive {
		return fmt.Errorf("full-sync: invalid host type %q", hostType)
	}
	volID, err := pkt.ReadString()
	if err != nil {
		return err
	}
	srcUUID, err := pkt.ReadUUID()
	if err != nil {
		return err
	}
	sizeLb, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	curTime, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	bulkLb, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	if bulkLb == 0 {
		return fmt.Errorf("full-sync %s: bulkLb is zero", volID)
	}
	if sizeLb == 0 {
		return fmt.Errorf("full-sync %s: sizeLb is zero", volID)
	}

	st := d.vols.Get(volID)
	st.Lock.Lock()
	if err := verifyNoAction(st); err != nil {
		st.Lock.Unlock()
		return err
	}
	if st.Stop.IsStopping() {
		st.Lock.Unlock()
		return ctx.WriteErr(server.MsgStopped)
	}
	tx, err := st.SM.Begin(StSyncReady, stFullSync)
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

	v := d.volInfo(volID, st)
	if err := v.CreateImage(sizeLb); err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}

	img, err := os.OpenFile(v.ImagePath(), os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("full-sync %s: open image: %w", volID, err)
	}
	defer img.Close()

	var received uint64
	var off int64
	for remaining := sizeLb; remaining > 0; {
		if st.Stop.IsForce() || d.srv.ForceQuit() {
			logger.Warn("full-sync force stopped", logger.KeyVol, volID)
			return state.ErrStopped
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		want := block.LbToBytes(lb)

		if err := d.srv.Refresh(ctx.Conn); err != nil {
			return err
		}
		encSize, err := pkt.ReadUint64()
		if err != nil {
			return err
		}
		if encSize == 0 {
			return fmt.Errorf("full-sync %s: encSize is zero", volID)
		}
		enc, err := pkt.ReadBytes()
		if err != nil {
			return err
		}
		if uint64(len(enc)) != encSize {
			return fmt.Errorf("full-sync %s: chunk size %d != announced %d", volID, len(enc), encSize)
		}
		dec, err := snappy.Decode(nil, enc)
		if err != nil {
			return fmt.Errorf("full-sync %s: uncompress: %w", volID, err)
		}
		if uint64(len(dec)) != want {
			return fmt.Errorf("full-sync %s: chunk %d bytes, want %d", volID, len(dec), want)
		}
		if _, err := img.WriteAt(dec, off); err != nil {
			return fmt.Errorf("full-sync %s: write image: %w", volID, err)
		}
		off += int64(want)
		remaining -= lb
		received++
		d.xferMetrics.AddReceived(server.ProtoDirtyFullSync, volID, len(enc))
	}
	if err := unix.Fdatasync(int(img.Fd())); err != nil {
		return fmt.Errorf("full-sync %s: fdatasync: %w", volID, err)
	}
	logger.Info("full-sync image received",
		logger.KeyVol, volID, logger.KeySizeLb, sizeLb, "chunks", received)

	gidB, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	gidE, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	snap := meta.Snap{GidB: gidB, GidE: gidE}
	if !snap.Valid() {
		return fmt.Errorf("full-sync %s: invalid snapshot %d-%d", volID, gidB, gidE)
	}
	if err := v.SetMetaState(meta.NewState(snap, time.Unix(int64(curTime), 0).UTC())); err != nil {
		return err
	}
	if err := v.SetUUID(srcUUID); err != nil {
		return err
	}
	if err := v.SetState(StArchived); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StArchived)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	d.xferMetrics.RecordCompleted(server.ProtoDirtyFullSync, volID)
	return pkt.WriteAck()
}

// verifyWdiffPrecondition checks a diff offer and returns the
// canonical reply tag, or MsgOk when the transfer may proceed. The
// caller holds the volume lock.
func (d *Daemon) verifyWdiffPrecondition(st *server.VolState, v *volume.Info, srcUUID uuid.UUID, diff meta.Diff) (string, error) {
	if !v.Exists() || st.SM.Get() == StClear {
		return server.MsgArchiveNotFound, nil
	}
	if st.Stop.IsStopping() || st.SM.Get() == StStopped {
		return server.MsgStopped, nil
	}
	if st.SM.Get() != StArchived {
		return server.MsgSyncing, nil
	}
	cur, err := v.UUID()
	if err != nil {
		return "", err
	}
	if cur != srcUUID {
		return server.MsgDifferentUUID, nil
	}
	base, err := v.MetaState()
	if err != nil {
		return "", err
	}
	switch st.DiffMgr.GetRelation(base, diff) {
	case meta.RelApplicable:
		return server.MsgOk, nil
	case meta.RelTooOld:
		return server.MsgTooOldDiff, nil
	case meta.RelTooNew:
		return server.MsgTooNewDiff, nil
	default:
		return server.MsgWdiffRecv, nil
	}
}

// recvWdiffBody drains a wdiff stream into a temp file and publishes
// it under the given diff identity. The first stream message is the
// file header; the rest are pack chunks.
func (d *Daemon) recvWdiffBody(ctx *server.Ctx, v *volume.Info, diff meta.Diff, srcUUID uuid.UUID, protocol string) error {
	tmp, err := v.CreateTempWdiff()
	if err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			os.Remove(tmp.Name())
		}
	}()

	recv := transport.NewReceiver(ctx.Conn)
	recv.Start()

	first := true
	var total int
	for {
		if err := d.srv.Refresh(ctx.Conn); err != nil {
			tmp.Close()
			return err
		}
		msg, ok, err := recv.Pop()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("%s: %w", protocol, err)
		}
		if !ok {
			break
		}
		if first {
			header, err := wdiff.UnmarshalHeader(msg)
			if err != nil {
				recv.Fail()
				tmp.Close()
				return err
			}
			if header.UUID != srcUUID {
				recv.Fail()
				tmp.Close()
				return fmt.Errorf("%s: header uuid differs from announced", protocol)
			}
			first = false
		}
		if _, err := tmp.Write(msg); err != nil {
			recv.Fail()
			tmp.Close()
			return fmt.Errorf("%s: write temp wdiff: %w", protocol, err)
		}
		total += len(msg)
	}
	if first {
		tmp.Close()
		return fmt.Errorf("%s: empty stream", protocol)
	}
	d.xferMetrics.AddReceived(protocol, v.VolID(), total)
	if err := v.PublishWdiff(tmp, diff); err != nil {
		return err
	}
	published = true
	return nil
}

// handleWdiffTransfer terminates the wdiff-transfer protocol from a
// proxy or another archive.
func (d *Daemon) handleWdiffTransfer(ctx *server.Ctx) error {
	pkt := ctx.Pkt
	volID, err := pkt.ReadString()
	if err != nil {
		return err
	}
	clientType, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if clientType != server.HostTypeProxy && clientType != server.HostTypeArchive {
		return fmt.Errorf("wdiff-transfer: invalid client type %q", clientType)
	}
	srcUUID, err := pkt.ReadUUID()
	if err != nil {
		return err
	}
	maxIoLb, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	if maxIoLb == 0 {
		return fmt.Errorf("wdiff-transfer %s: maxIoLb is zero", volID)
	}
	sizeB, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	diff, err := server.ReadMetaDiff(pkt)
	if err != nil {
		return err
	}
	if !diff.Valid() {
		return fmt.Errorf("wdiff-transfer %s: invalid diff %s", volID, diff)
	}

	st := d.vols.Get(volID)
	v := d.volInfo(volID, st)

	st.Lock.Lock()
	tag, err := d.verifyWdiffPrecondition(st, v, srcUUID, diff)
	if err != nil {
		st.Lock.Unlock()
		return err
	}
	if tag != server.MsgOk {
		st.Lock.Unlock()
		logger.Info("wdiff rejected",
			logger.KeyVol, volID, logger.KeyDiff, diff.String(), "reply", tag)
		return ctx.WriteErr(tag)
	}
	tx, err := st.SM.Begin(StArchived, stWdiffRecv)
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

	logger.Debug("receiving wdiff",
		logger.KeyVol, volID, logger.KeyDiff, diff.String(),
		logger.KeyClientID, ctx.ClientID, logger.KeyBytes, sizeB)
	if err := d.recvWdiffBody(ctx, v, diff, srcUUID, server.ProtoWdiffTransfer); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StArchived)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	d.xferMetrics.RecordCompleted(server.ProtoWdiffTransfer, volID)
	d.volMetrics.SetDiffStats(volID, st.DiffMgr.Size(), st.DiffMgr.TotalSizeB())
	return pkt.WriteAck()
}

// handleDirtyHashSync terminates the hash-sync protocol: the archive
// streams the hash of every bulk of its base image; the client sends
// back a wdiff holding only the differing ranges.
func (d *Daemon) handleDirtyHashSync(ctx *server.Ctx) error {
	pkt := ctx.Pkt
	volID, err := pkt.ReadString()
	if err != nil {
		return err
	}
	srcUUID, err := pkt.ReadUUID()
	if err != nil {
		return err
	}
	sizeLb, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	bulkLb, err := pkt.ReadUint64()
	if err != nil {
		return err
	}
	if bulkLb == 0 {
		return fmt.Errorf("hash-sync %s: bulkLb is zero", volID)
	}
	diff, err := server.ReadMetaDiff(pkt)
	if err != nil {
		return err
	}

	st := d.vols.Get(volID)
	v := d.volInfo(volID, st)

	st.Lock.Lock()
	if err := verifyNoAction(st); err != nil {
		st.Lock.Unlock()
		return err
	}
	if st.Stop.IsStopping() {
		st.Lock.Unlock()
		return ctx.WriteErr(server.MsgStopped)
	}
	if !v.Exists() {
		st.Lock.Unlock()
		return ctx.WriteErr(server.MsgArchiveNotFound)
	}
	curSize, err := v.ImageSizeLb()
	if err != nil {
		st.Lock.Unlock()
		return err
	}
	if curSize < sizeLb {
		st.Lock.Unlock()
		return ctx.WriteErr(server.MsgSmallerLvSize)
	}
	tx, err := st.SM.Begin(StArchived, stHashSync)
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

	if err := d.sendImageHashes(ctx, v, sizeLb, bulkLb, &st.Stop); err != nil {
		return err
	}
	if err := d.recvWdiffBody(ctx, v, diff, srcUUID, server.ProtoDirtyHashSync); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StArchived)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	d.xferMetrics.RecordCompleted(server.ProtoDirtyHashSync, volID)
	return pkt.WriteAck()
}

// sendImageHashes streams the per-bulk hash of the base image.
func (d *Daemon) sendImageHashes(ctx *server.Ctx, v *volume.Info, sizeLb, bulkLb uint64, stop *state.StopFlag) error {
	img, err := os.Open(v.ImagePath())
	if err != nil {
		return fmt.Errorf("hash-sync: open image: %w", err)
	}
	defer img.Close()

	send := transport.NewSender(ctx.Conn)
	send.Start()

	buf := make([]byte, block.LbToBytes(bulkLb))
	var off int64
	for remaining := sizeLb; remaining > 0; {
		if stop.IsForce() {
			send.Fail()
			return state.ErrStopped
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		chunk := buf[:block.LbToBytes(lb)]
		if _, err := img.ReadAt(chunk, off); err != nil {
			send.Fail()
			return fmt.Errorf("hash-sync: read image: %w", err)
		}
		h := server.BulkHash(chunk)
		if err := send.Push(h[:], false); err != nil {
			send.Fail()
			return err
		}
		off += int64(len(chunk))
		remaining -= lb
	}
	return send.Sync()
}
