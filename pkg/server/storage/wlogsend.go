package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/blockio"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/walog"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// dirtyHashDiff names the snapshot transition of one hash sync. The
// end is a gid range because writes racing the device scan may or may
// not be captured.
func dirtyHashDiff(gid uint64) meta.Diff {
	return meta.Diff{
		B:         meta.NewSnap(gid),
		E:         meta.Snap{GidB: gid + 1, GidE: gid + 2},
		Timestamp: time.Now().UTC(),
	}
}

// handleSnapshot allocates a new gid and ships the outstanding WAL
// range to every proxy. Reply: the new clean gid.
func (d *Daemon) handleSnapshot(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	st := d.vols.Get(volID)

	gid, err := d.shipWlog(volID, st)
	if err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteString(fmt.Sprintf("%d", gid))
}

// shipAllVolumes flushes the outstanding WAL range of every started
// volume, used by the kick command.
func (d *Daemon) shipAllVolumes() {
	entries, err := os.ReadDir(d.cfg.BaseDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		volID := e.Name()
		st := d.vols.Get(volID)
		if st.SM.GetLocked() != StStarted {
			continue
		}
		if _, err := d.shipWlog(volID, st); err != nil &&
			!errors.Is(err, errNothingToShip) {
			logger.Warn("wlog ship failed",
				logger.KeyVol, volID, logger.KeyError, err.Error())
		}
	}
}

var errNothingToShip = errors.New("no outstanding wlog")

// shipWlog sends the WAL range [doneLsid, writtenLsid) to every
// proxy as the diff (gid-1.. -> gid..), then persists the advanced
// watermarks. Returns the new clean gid.
func (d *Daemon) shipWlog(volID string, st *server.VolState) (uint64, error) {
	if len(d.cfg.Storage.Proxies) == 0 {
		return 0, fmt.Errorf("snapshot %s: no proxies configured", volID)
	}

	st.Lock.Lock()
	if st.Stop.IsStopping() {
		st.Lock.Unlock()
		return 0, state.ErrStopped
	}
	tx, err := st.SM.Begin(StStarted, stWlogSend)
	if err != nil {
		st.Lock.Unlock()
		return 0, err
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

	v, err := d.volumeInfoOrErr(volID, st)
	if err != nil {
		return 0, err
	}
	srcUUID, err := v.UUID()
	if err != nil {
		return 0, err
	}
	q, err := d.loadQueue(volID)
	if err != nil {
		return 0, err
	}
	wdevPath, err := d.wdevPath(volID)
	if err != nil {
		return 0, err
	}
	dev, err := blockio.Open(wdevPath, false)
	if err != nil {
		return 0, err
	}
	defer dev.Close()
	wdev, err := walog.OpenDevice(dev)
	if err != nil {
		return 0, err
	}
	super := wdev.Super()
	if super.WrittenLsid <= q.DoneLsid {
		return 0, errNothingToShip
	}

	gidB := q.NextGid - 1
	gidE := q.NextGid
	for _, addr := range d.cfg.Storage.Proxies {
		if err := d.sendWlogRange(addr, volID, srcUUID, wdev,
			gidB, gidE, q.DoneLsid, super.WrittenLsid, st); err != nil {
			return 0, fmt.Errorf("snapshot %s: proxy %s: %w", volID, addr, err)
		}
	}

	if err := d.saveQueue(volID, queueRecord{NextGid: gidE + 1, DoneLsid: super.WrittenLsid}); err != nil {
		return 0, err
	}

	st.Lock.Lock()
	err = tx.Commit(StStarted)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return 0, err
	}
	logger.Info("snapshot taken",
		logger.KeyVol, volID, logger.KeyGid, gidE, logger.KeyLsid, super.WrittenLsid)
	return gidE, nil
}

// sendWlogRange runs the wlog-transfer protocol as a client toward
// one proxy.
func (d *Daemon) sendWlogRange(addr, volID string, srcUUID uuid.UUID, wdev *walog.Device,
	gidB, gidE, lsidB, lsidE uint64, st *server.VolState) error {

	super := wdev.Super()
	conn, err := transport.Dial(addr, d.socketOptions())
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := transport.Negotiate(conn, d.cfg.NodeID, server.ProtoWlogTransfer); err != nil {
		return err
	}
	pkt := transport.NewPacket(conn)
	if err := pkt.WriteString(volID); err != nil {
		return err
	}
	if err := pkt.WriteUUID(srcUUID); err != nil {
		return err
	}
	if err := pkt.WriteUint32(super.Pbs); err != nil {
		return err
	}
	if err := pkt.WriteUint32(super.Salt); err != nil {
		return err
	}
	if err := pkt.WriteUint64(gidB); err != nil {
		return err
	}
	if err := pkt.WriteUint64(gidE); err != nil {
		return err
	}
	if err := pkt.WriteUint64(lsidB); err != nil {
		return err
	}
	if err := pkt.WriteUint64(lsidE); err != nil {
		return err
	}
	reply, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if reply != server.MsgOk {
		return fmt.Errorf("proxy replied %q", reply)
	}

	it, err := walog.NewIter(wdev, lsidB, lsidE)
	if err != nil {
		return err
	}
	send := transport.NewSender(conn)
	send.Start()
	opts := d.socketOptions()
	sent := 0
	for {
		if st.Stop.IsForce() || d.srv.ForceQuit() {
			send.Fail()
			return state.ErrStopped
		}
		if err := opts.Refresh(conn); err != nil {
			send.Fail()
			return err
		}
		pack, err := it.Next()
		if errors.Is(err, walog.ErrEndOfLog) {
			break
		}
		if err != nil {
			send.Fail()
			return err
		}
		hbuf, err := walog.MarshalPackHeader(pack.Header, super.Pbs, super.Salt)
		if err != nil {
			send.Fail()
			return err
		}
		if err := send.Push(hbuf, false); err != nil {
			send.Fail()
			return err
		}
		sent += len(hbuf)
		for _, pio := range pack.IOs {
			if !pio.Record.HasPayload() {
				continue
			}
			if err := send.Push(pio.Data, true); err != nil {
				send.Fail()
				return err
			}
			sent += len(pio.Data)
		}
	}
	if err := send.Sync(); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}
	d.xferMetrics.AddSent(server.ProtoWlogTransfer, volID, sent)
	d.xferMetrics.RecordCompleted(server.ProtoWlogTransfer, volID)
	return nil
}

// exchangeHashDiff consumes the archive's bulk hashes, compares them
// against the local device, and streams back a wdiff holding the
// differing bulks.
func (d *Daemon) exchangeHashDiff(conn io.ReadWriter, st *server.VolState, dev *blockio.Device,
	volID string, srcUUID uuid.UUID, sizeLb, bulkLb uint64, diff meta.Diff) error {

	type dirtyRange struct {
		offLb uint64
		lb    uint64
	}

	recv := transport.NewReceiver(conn)
	recv.Start()

	var dirty []dirtyRange
	buf := make([]byte, block.LbToBytes(bulkLb))
	var off uint64
	for remaining := sizeLb; remaining > 0; {
		if st.Stop.IsForce() {
			recv.Fail()
			return state.ErrStopped
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		want, ok, err := recv.Pop()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("hash-sync %s: hash stream ended early", volID)
		}
		if len(want) != server.HashSize {
			recv.Fail()
			return fmt.Errorf("hash-sync %s: hash size %d", volID, len(want))
		}
		chunk := buf[:block.LbToBytes(lb)]
		if _, err := dev.ReadAt(chunk, int64(block.LbToBytes(off))); err != nil {
			recv.Fail()
			return fmt.Errorf("hash-sync %s: read data device: %w", volID, err)
		}
		got := server.BulkHash(chunk)
		if string(got[:]) != string(want) {
			dirty = append(dirty, dirtyRange{offLb: off, lb: lb})
		}
		off += lb
		remaining -= lb
	}
	// Drain the clean end marker.
	if _, ok, err := recv.Pop(); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("hash-sync %s: unexpected extra hash", volID)
	}

	// Build the diff of mismatching bulks in a temp file, then stream
	// it out.
	tmp, err := os.CreateTemp("", "blockcdp-hashsync")
	if err != nil {
		return fmt.Errorf("hash-sync %s: temp diff: %w", volID, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	maxIoLb := wdiff.DefaultMaxIoLb
	w, err := wdiff.NewWriter(tmp, wdiff.Header{UUID: srcUUID, MaxIoLb: maxIoLb, Salt: super32(diff)}, 0)
	if err != nil {
		return err
	}
	for _, r := range dirty {
		addr := r.offLb
		remaining := r.lb
		for remaining > 0 {
			n := remaining
			if n > uint64(maxIoLb) {
				n = uint64(maxIoLb)
			}
			chunk := make([]byte, block.LbToBytes(n))
			if _, err := dev.ReadAt(chunk, int64(block.LbToBytes(addr))); err != nil {
				return fmt.Errorf("hash-sync %s: reread data device: %w", volID, err)
			}
			if err := w.AddRecord(addr, uint32(n), wdiff.RecNormal, chunk, compress.ModeSnappy); err != nil {
				return err
			}
			addr += n
			remaining -= n
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("hash-sync %s: rewind temp diff: %w", volID, err)
	}

	send := transport.NewSender(conn)
	send.Start()
	sent := 0
	err = wdiff.StreamFile(tmp, func(msg []byte) error {
		if st.Stop.IsForce() {
			return state.ErrStopped
		}
		if err := send.Push(msg, true); err != nil {
			return err
		}
		sent += len(msg)
		return nil
	})
	if err != nil {
		send.Fail()
		return err
	}
	if err := send.Sync(); err != nil {
		return err
	}
	d.xferMetrics.AddSent(server.ProtoDirtyHashSync, volID, sent)
	logger.Info("hash diff shipped",
		logger.KeyVol, volID, "dirty_bulks", len(dirty), logger.KeyBytes, sent)
	return nil
}

// super32 derives the wdiff salt from the diff identity.
func super32(d meta.Diff) uint32 {
	return uint32(d.B.GidB)*2654435761 + uint32(d.E.GidB)
}
