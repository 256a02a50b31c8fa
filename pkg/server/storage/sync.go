package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang/snappy"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/blockio"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/throughput"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/walog"
)

// handleFullBkp drives the full-sync protocol toward the archive.
// Command params: volId [bulkLb].
func (d *Daemon) handleFullBkp(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	bulkLb := d.cfg.Storage.BulkLb
	if len(params) >= 2 {
		if bulkLb, err = strconv.ParseUint(params[1], 10, 64); err != nil {
			return fmt.Errorf("full-bkp: bad bulkLb %q", params[1])
		}
	}
	if bulkLb == 0 {
		return fmt.Errorf("full-bkp %s: bulkLb is zero", volID)
	}
	if d.cfg.Storage.Archive == "" {
		return fmt.Errorf("full-bkp %s: no archive configured", volID)
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
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

	if err := d.runFullSyncClient(volID, st, bulkLb); err != nil {
		return err
	}
	if err := d.volInfo(volID, st).SetState(StStarted); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StStarted)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

// runFullSyncClient streams the production data device to the archive
// in snappy-compressed bulks and names the initial snapshot (gid 0).
func (d *Daemon) runFullSyncClient(volID string, st *server.VolState, bulkLb uint64) error {
	v, err := d.volumeInfoOrErr(volID, st)
	if err != nil {
		return err
	}
	srcUUID, err := v.UUID()
	if err != nil {
		return err
	}
	dataPath, err := d.dataDevPath(volID)
	if err != nil {
		return err
	}
	dev, err := blockio.Open(dataPath, false)
	if err != nil {
		return err
	}
	defer dev.Close()
	sizeLb := dev.SizeLb()
	if sizeLb == 0 {
		return fmt.Errorf("full-sync %s: data device is empty", volID)
	}

	conn, err := transport.Dial(d.cfg.Storage.Archive, d.socketOptions())
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := transport.Negotiate(conn, d.cfg.NodeID, server.ProtoDirtyFullSync); err != nil {
		return err
	}
	pkt := transport.NewPacket(conn)
	curTime := uint64(time.Now().Unix())
	if err := pkt.WriteString(server.HostTypeStorage); err != nil {
		return err
	}
	if err := pkt.WriteString(volID); err != nil {
		return err
	}
	if err := pkt.WriteUUID(srcUUID); err != nil {
		return err
	}
	if err := pkt.WriteUint64(sizeLb); err != nil {
		return err
	}
	if err := pkt.WriteUint64(curTime); err != nil {
		return err
	}
	if err := pkt.WriteUint64(bulkLb); err != nil {
		return err
	}
	reply, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if reply != server.MsgOk {
		return fmt.Errorf("full-sync %s: archive replied %q", volID, reply)
	}

	stab := throughput.NewStabilizer(d.cfg.MaxLbPerSec)
	opts := d.socketOptions()
	buf := make([]byte, block.LbToBytes(bulkLb))
	var off int64
	var sent int
	for remaining := sizeLb; remaining > 0; {
		if st.Stop.IsForce() || d.srv.ForceQuit() {
			return state.ErrStopped
		}
		if err := opts.Refresh(conn); err != nil {
			return err
		}
		lb := bulkLb
		if remaining < lb {
			lb = remaining
		}
		chunk := buf[:block.LbToBytes(lb)]
		if _, err := dev.ReadAt(chunk, off); err != nil {
			return fmt.Errorf("full-sync %s: read data device: %w", volID, err)
		}
		enc := snappy.Encode(nil, chunk)
		if err := pkt.WriteUint64(uint64(len(enc))); err != nil {
			return err
		}
		if err := pkt.WriteBytes(enc); err != nil {
			return err
		}
		off += int64(len(chunk))
		remaining -= lb
		sent += len(enc)
		stab.AddAndSleepIfNecessary(lb, 10*time.Millisecond, time.Second)
	}

	// Name the initial snapshot: gid 0, clean.
	if err := pkt.WriteUint64(0); err != nil {
		return err
	}
	if err := pkt.WriteUint64(0); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}
	if err := d.resetQueue(volID, 1, doneLsidOf(d, volID)); err != nil {
		return err
	}
	d.xferMetrics.AddSent(server.ProtoDirtyFullSync, volID, sent)
	d.xferMetrics.RecordCompleted(server.ProtoDirtyFullSync, volID)
	logger.Info("full backup completed",
		logger.KeyVol, volID, logger.KeySizeLb, sizeLb, logger.KeyBytes, sent)
	return nil
}

// doneLsidOf reads the current WAL written watermark, falling back to
// zero when the device is unreadable.
func doneLsidOf(d *Daemon, volID string) uint64 {
	wdev, err := d.wdevPath(volID)
	if err != nil {
		return 0
	}
	dev, err := blockio.Open(wdev, false)
	if err != nil {
		return 0
	}
	defer dev.Close()
	super, err := walog.ReadSuperBlock(dev)
	if err != nil {
		return 0
	}
	return super.WrittenLsid
}

// handleHashBkp drives the hash-sync protocol toward the archive:
// it compares the production device against the archive's hashes and
// ships a dirty diff of the mismatching bulks.
func (d *Daemon) handleHashBkp(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	bulkLb := d.cfg.Storage.BulkLb
	if len(params) >= 2 {
		if bulkLb, err = strconv.ParseUint(params[1], 10, 64); err != nil {
			return fmt.Errorf("hash-bkp: bad bulkLb %q", params[1])
		}
	}
	if bulkLb == 0 {
		return fmt.Errorf("hash-bkp %s: bulkLb is zero", volID)
	}
	if d.cfg.Storage.Archive == "" {
		return fmt.Errorf("hash-bkp %s: no archive configured", volID)
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	tx, err := st.SM.Begin(StSyncReady, stHashSync)
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

	if err := d.runHashSyncClient(volID, st, bulkLb); err != nil {
		return err
	}
	if err := d.volInfo(volID, st).SetState(StStarted); err != nil {
		return err
	}

	st.Lock.Lock()
	err = tx.Commit(StStarted)
	commit = err == nil
	st.Lock.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

func (d *Daemon) runHashSyncClient(volID string, st *server.VolState, bulkLb uint64) error {
	v, err := d.volumeInfoOrErr(volID, st)
	if err != nil {
		return err
	}
	srcUUID, err := v.UUID()
	if err != nil {
		return err
	}
	dataPath, err := d.dataDevPath(volID)
	if err != nil {
		return err
	}
	dev, err := blockio.Open(dataPath, false)
	if err != nil {
		return err
	}
	defer dev.Close()
	sizeLb := dev.SizeLb()

	q, err := d.loadQueue(volID)
	if err != nil {
		return err
	}
	// The hash sync produces a dirty diff: writes racing the scan may
	// or may not be included, so the end snapshot is a gid range.
	gid := q.NextGid
	diff := dirtyHashDiff(gid)

	conn, err := transport.Dial(d.cfg.Storage.Archive, d.socketOptions())
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := transport.Negotiate(conn, d.cfg.NodeID, server.ProtoDirtyHashSync); err != nil {
		return err
	}
	pkt := transport.NewPacket(conn)
	if err := pkt.WriteString(volID); err != nil {
		return err
	}
	if err := pkt.WriteUUID(srcUUID); err != nil {
		return err
	}
	if err := pkt.WriteUint64(sizeLb); err != nil {
		return err
	}
	if err := pkt.WriteUint64(bulkLb); err != nil {
		return err
	}
	if err := server.WriteMetaDiff(pkt, diff); err != nil {
		return err
	}
	reply, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if reply != server.MsgOk {
		return fmt.Errorf("hash-sync %s: archive replied %q", volID, reply)
	}

	if err := d.exchangeHashDiff(conn, st, dev, volID, srcUUID, sizeLb, bulkLb, diff); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}
	if err := d.saveQueue(volID, queueRecord{NextGid: gid + 2, DoneLsid: doneLsidOf(d, volID)}); err != nil {
		return err
	}
	d.xferMetrics.RecordCompleted(server.ProtoDirtyHashSync, volID)
	logger.Info("hash backup completed", logger.KeyVol, volID, logger.KeyDiff, diff.String())
	return nil
}
