package proxy

import (
	"fmt"
	"os"
	"time"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/throughput"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/volume"
	"github.com/marmos91/blockcdp/pkg/wdiff"
)

// sendTask is one scheduler pass: for every started volume and every
// registered archive, ship its queued wdiffs, oldest first.
func (d *Daemon) sendTask() {
	entries, err := os.ReadDir(d.cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("send task: scan base dir", logger.KeyError, err.Error())
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		volID := e.Name()
		st := d.vols.Get(volID)
		if st.SM.GetLocked() != StStarted || st.Stop.IsStopping() {
			continue
		}
		d.sendVolume(volID, st)
		if d.srv.ShuttingDown() {
			return
		}
	}
}

// sendVolume ships queued diffs of one volume to each archive until
// the queues drain or a transfer fails.
func (d *Daemon) sendVolume(volID string, st *server.VolState) {
	archives, err := d.archiveIDs(volID)
	if err != nil {
		logger.Warn("send task: archive registry", logger.KeyVol, volID, logger.KeyError, err.Error())
		return
	}
	registry, err := d.loadArchiveInfo(volID)
	if err != nil {
		logger.Warn("send task: archive registry", logger.KeyVol, volID, logger.KeyError, err.Error())
		return
	}

	for _, archiveID := range archives {
		if !d.shouldRetry(volID, archiveID) {
			continue
		}
		entry := registry[archiveID]
		info, err := d.archiveDirInfo(volID, archiveID)
		if err != nil {
			logger.Warn("send task: queue dir",
				logger.KeyVol, volID, "archive_id", archiveID, logger.KeyError, err.Error())
			continue
		}
		for _, diff := range info.DiffMgr().GetAll() {
			if st.Stop.IsStopping() || d.srv.ShuttingDown() {
				return
			}
			if entry.DelaySec > 0 &&
				time.Since(diff.Timestamp) < time.Duration(entry.DelaySec)*time.Second {
				break
			}
			if err := d.sendOneDiff(volID, st, info, entry, diff); err != nil {
				logger.Warn("wdiff send failed; will retry",
					logger.KeyVol, volID, "archive_id", archiveID,
					logger.KeyDiff, diff.String(), logger.KeyError, err.Error())
				d.xferMetrics.RecordFailed(server.ProtoWdiffTransfer, volID)
				d.noteFailure(volID, archiveID)
				break
			}
			d.noteSuccess(volID, archiveID)
		}
	}
}

// sendOneDiff runs the wdiff-transfer protocol as a client for one
// queued diff. The local file is deleted once the archive has taken
// it (or reports it as too old to matter).
func (d *Daemon) sendOneDiff(volID string, st *server.VolState, info *volume.Info, entry ArchiveEntry, diff meta.Diff) error {
	st.Lock.Lock()
	token := st.AC.Begin(state.ActionSend)
	st.Lock.Unlock()
	defer func() {
		st.Lock.Lock()
		token.End()
		st.Lock.Unlock()
	}()

	path := info.WdiffPath(diff)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open queued wdiff: %w", err)
	}
	defer f.Close()

	reader, err := wdiff.NewReader(f)
	if err != nil {
		return err
	}
	header := reader.Header()
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind queued wdiff: %w", err)
	}

	conn, err := transport.Dial(entry.Addr, d.socketOptions())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := transport.Negotiate(conn, d.cfg.NodeID, server.ProtoWdiffTransfer); err != nil {
		return err
	}
	pkt := transport.NewPacket(conn)
	if err := pkt.WriteString(volID); err != nil {
		return err
	}
	if err := pkt.WriteString(server.HostTypeProxy); err != nil {
		return err
	}
	if err := pkt.WriteUUID(header.UUID); err != nil {
		return err
	}
	if err := pkt.WriteUint32(header.MaxIoLb); err != nil {
		return err
	}
	if err := pkt.WriteUint64(diff.SizeB); err != nil {
		return err
	}
	if err := server.WriteMetaDiff(pkt, diff); err != nil {
		return err
	}

	reply, err := pkt.ReadString()
	if err != nil {
		return err
	}
	switch reply {
	case server.MsgOk:
	case server.MsgTooOldDiff:
		// The archive has already advanced past this diff.
		logger.Info("dropping stale wdiff",
			logger.KeyVol, volID, logger.KeyDiff, diff.String())
		return info.RemoveWdiffs([]meta.Diff{diff})
	default:
		return fmt.Errorf("archive replied %q", reply)
	}

	send := transport.NewSender(conn)
	send.Start()
	stab := throughput.NewStabilizer(d.cfg.MaxLbPerSec)
	sent := 0
	opts := d.socketOptions()
	err = wdiff.StreamFile(f, func(msg []byte) error {
		if st.Stop.IsForce() {
			return state.ErrStopped
		}
		if err := opts.Refresh(conn); err != nil {
			return err
		}
		if err := send.Push(msg, true); err != nil {
			return err
		}
		sent += len(msg)
		stab.AddAndSleepIfNecessary(uint64(len(msg))/512, 10*time.Millisecond, time.Second)
		return nil
	})
	if err != nil {
		send.Fail()
		return err
	}
	if err := send.Sync(); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}

	d.xferMetrics.AddSent(server.ProtoWdiffTransfer, volID, sent)
	d.xferMetrics.RecordCompleted(server.ProtoWdiffTransfer, volID)
	logger.Info("wdiff shipped",
		logger.KeyVol, volID, logger.KeyAddr, entry.Addr,
		logger.KeyDiff, diff.String(), logger.KeyBytes, sent)
	return info.RemoveWdiffs([]meta.Diff{diff})
}

// socketOptions converts the config into transport options.
func (d *Daemon) socketOptions() transport.SocketOptions {
	return transport.SocketOptions{
		ConnectTimeout: d.cfg.Socket.ConnectTimeout,
		ReadTimeout:    d.cfg.Socket.ReadTimeout,
		WriteTimeout:   d.cfg.Socket.WriteTimeout,
		KeepAlive:      d.cfg.Socket.KeepAlive,
		KeepAliveIdle:  d.cfg.Socket.KeepAliveIdle,
		KeepAliveIntvl: d.cfg.Socket.KeepAliveIntvl,
		KeepAliveCount: d.cfg.Socket.KeepAliveCount,
	}
}
