package storage

import (
	"fmt"
	"os"
	"strconv"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/blockio"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/volume"
	"github.com/marmos91/blockcdp/pkg/walog"
)

func readParams(ctx *server.Ctx, min int) ([]string, error) {
	params, err := ctx.Pkt.ReadStrVec()
	if err != nil {
		return nil, err
	}
	if len(params) < min {
		return nil, fmt.Errorf("%s: want at least %d params, got %d", ctx.Protocol, min, len(params))
	}
	return params, nil
}

func (d *Daemon) handleHostType(ctx *server.Ctx) error {
	if _, err := readParams(ctx, 0); err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteString(server.HostTypeStorage)
}

func (d *Daemon) handleStatus(ctx *server.Ctx) error {
	params, err := readParams(ctx, 0)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		entries, err := os.ReadDir(d.cfg.BaseDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		var vols []string
		for _, e := range entries {
			if e.IsDir() {
				vols = append(vols, e.Name())
			}
		}
		if err := ctx.WriteOk(); err != nil {
			return err
		}
		return ctx.Pkt.WriteStrVec(vols)
	}

	volID := params[0]
	st := d.vols.Get(volID)
	lines := []string{"state: " + st.SM.GetLocked()}
	if wdev, err := d.wdevPath(volID); err == nil {
		lines = append(lines, "wdev: "+wdev)
	}
	if q, err := d.loadQueue(volID); err == nil {
		lines = append(lines,
			fmt.Sprintf("next_gid: %d", q.NextGid),
			fmt.Sprintf("done_lsid: %d", q.DoneLsid))
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteStrVec(lines)
}

// handleInitVol registers a WAL device as a volume. The device's
// super block supplies the uuid and the initial lsid watermark.
func (d *Daemon) handleInitVol(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID, wdevPath := params[0], params[1]
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	tx, err := st.SM.Begin(StClear, stInitVol)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st.Lock.Unlock()
	initErr := d.initVolume(volID, st, wdevPath)
	st.Lock.Lock()
	if initErr != nil {
		return initErr
	}
	if err := tx.Commit(StSyncReady); err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

func (d *Daemon) initVolume(volID string, st *server.VolState, wdevPath string) error {
	dev, err := blockio.Open(wdevPath, false)
	if err != nil {
		return err
	}
	defer dev.Close()
	super, err := walog.ReadSuperBlock(dev)
	if err != nil {
		return err
	}

	v := d.volInfo(volID, st)
	if err := v.Init(super.UUID, StSyncReady); err != nil {
		return err
	}
	if err := os.WriteFile(v.Dir()+"/"+wdevFile, []byte(wdevPath+"\n"), 0o644); err != nil {
		return fmt.Errorf("volume %s: write wdev path: %w", volID, err)
	}
	if err := d.resetQueue(volID, 0, super.WrittenLsid); err != nil {
		return err
	}
	logger.Info("wal device registered",
		logger.KeyVol, volID, logger.KeyPath, wdevPath, logger.KeyLsid, super.WrittenLsid)
	return nil
}

func (d *Daemon) handleClearVol(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	if !st.AC.IsAllZero(allActions) {
		return fmt.Errorf("clear-vol %s: actions running", volID)
	}
	cur := st.SM.Get()
	if cur != StSyncReady && cur != StStopped {
		return fmt.Errorf("clear-vol %s: state %s", volID, cur)
	}
	tx, err := st.SM.Begin(cur, stClearVol)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st.Lock.Unlock()
	clearErr := d.volInfo(volID, st).Clear()
	st.Lock.Lock()
	if clearErr != nil {
		return clearErr
	}
	if err := tx.Commit(StClear); err != nil {
		return err
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

// handleResetVol returns a stopped volume to SyncReady, resetting the
// shipping progress to the current WAL watermark.
func (d *Daemon) handleResetVol(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	var gid uint64
	if len(params) >= 2 {
		if gid, err = strconv.ParseUint(params[1], 10, 64); err != nil {
			return fmt.Errorf("reset-vol: bad gid %q", params[1])
		}
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	tx, err := st.SM.Begin(StStopped, stResetVol)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st.Lock.Unlock()
	resetErr := func() error {
		wdev, err := d.wdevPath(volID)
		if err != nil {
			return err
		}
		dev, err := blockio.Open(wdev, false)
		if err != nil {
			return err
		}
		defer dev.Close()
		super, err := walog.ReadSuperBlock(dev)
		if err != nil {
			return err
		}
		if err := d.resetQueue(volID, gid, super.WrittenLsid); err != nil {
			return err
		}
		return d.volInfo(volID, st).SetState(StSyncReady)
	}()
	st.Lock.Lock()
	if resetErr != nil {
		return resetErr
	}
	if err := tx.Commit(StSyncReady); err != nil {
		return err
	}
	st.Stop.Clear()
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

func (d *Daemon) handleStart(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	tx, err := st.SM.Begin(StStopped, stStart)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := d.volInfo(volID, st)
	st.Lock.Unlock()
	setErr := v.SetState(StStarted)
	st.Lock.Lock()
	if setErr != nil {
		return setErr
	}
	if err := tx.Commit(StStarted); err != nil {
		return err
	}
	st.Stop.Clear()
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

func (d *Daemon) handleStop(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID := params[0]
	force := params[1] != "0"
	st := d.vols.Get(volID)

	if err := ctx.WriteOk(); err != nil {
		return err
	}
	if err := ctx.Pkt.WriteAck(); err != nil {
		return err
	}

	if !state.NewStopper(&st.Stop).BeginStop(force) {
		return nil
	}

	st.Lock.Lock()
	defer st.Lock.Unlock()
	st.Lock.WaitUntil(func() bool {
		return st.AC.IsAllZero(allActions) && stableStates[st.SM.Get()]
	})
	if st.SM.Get() != StStarted {
		return nil
	}
	tx, err := st.SM.Begin(StStarted, stStop)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := d.volInfo(volID, st)
	st.Lock.Unlock()
	setErr := v.SetState(StStopped)
	st.Lock.Lock()
	if setErr != nil {
		return setErr
	}
	return tx.Commit(StStopped)
}

// handleKick retries wlog shipping for all started volumes.
func (d *Daemon) handleKick(ctx *server.Ctx) error {
	if _, err := readParams(ctx, 0); err != nil {
		return err
	}
	go d.shipAllVolumes()
	return ctx.WriteOk()
}

func (d *Daemon) handleGet(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	target := params[0]
	args := params[1:]

	reply := func(lines ...string) error {
		if err := ctx.WriteOk(); err != nil {
			return err
		}
		return ctx.Pkt.WriteStrVec(lines)
	}

	switch target {
	case server.GetHostType:
		return reply(server.HostTypeStorage)
	case server.GetPid:
		return reply(strconv.Itoa(os.Getpid()))
	case server.GetVol:
		entries, err := os.ReadDir(d.cfg.BaseDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		var vols []string
		for _, e := range entries {
			if e.IsDir() {
				vols = append(vols, e.Name())
			}
		}
		return reply(vols...)
	case server.GetState:
		if len(args) < 1 {
			return fmt.Errorf("get state: volId required")
		}
		return reply(d.vols.Get(args[0]).SM.GetLocked())
	case server.GetUUID:
		if len(args) < 1 {
			return fmt.Errorf("get uuid: volId required")
		}
		st := d.vols.Get(args[0])
		id, err := d.volInfo(args[0], st).UUID()
		if err != nil {
			return err
		}
		return reply(id.String())
	default:
		return fmt.Errorf("get: unknown target %q", target)
	}
}

// volumeInfoOrErr returns the volume handle when the directory
// exists.
func (d *Daemon) volumeInfoOrErr(volID string, st *server.VolState) (*volume.Info, error) {
	v := d.volInfo(volID, st)
	if !v.Exists() {
		return nil, fmt.Errorf("volume %s does not exist", volID)
	}
	return v, nil
}
