package proxy

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
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
	return ctx.Pkt.WriteString(server.HostTypeProxy)
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
	st.Lock.Lock()
	smState := st.SM.Get()
	actions := st.AC.GetMap()
	st.Lock.Unlock()

	lines := []string{"state: " + smState}
	archives, err := d.archiveIDs(volID)
	if err == nil {
		for _, id := range archives {
			info, err := d.archiveDirInfo(volID, id)
			if err != nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("archive_%s: %d diffs, %d bytes",
				id, info.DiffMgr().Size(), info.DiffMgr().TotalSizeB()))
		}
	}
	for name, n := range actions {
		lines = append(lines, fmt.Sprintf("action_%s: %d", name, n))
	}
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteStrVec(lines)
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
	tx, err := st.SM.Begin(StStopped, stClearVol)
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
	logger.Info("volume cleared", logger.KeyVol, volID)
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
	d.sched.Kick()
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

// handleArchiveInfo serves the archive registry subcommands:
// list, get, add, update, delete.
func (d *Daemon) handleArchiveInfo(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	op, volID := params[0], params[1]

	reply := func(lines ...string) error {
		if err := ctx.WriteOk(); err != nil {
			return err
		}
		return ctx.Pkt.WriteStrVec(lines)
	}

	switch op {
	case "list":
		ids, err := d.archiveIDs(volID)
		if err != nil {
			return err
		}
		return reply(ids...)

	case "get":
		if len(params) < 3 {
			return fmt.Errorf("archive-info get: archiveId required")
		}
		m, err := d.loadArchiveInfo(volID)
		if err != nil {
			return err
		}
		e, ok := m[params[2]]
		if !ok {
			return fmt.Errorf("archive-info get: %s not registered for %s", params[2], volID)
		}
		return reply(e.Addr, e.Compression, strconv.Itoa(e.DelaySec))

	case "add", "update":
		if len(params) < 4 {
			return fmt.Errorf("archive-info %s: archiveId and addr required", op)
		}
		archiveID, addr := params[2], params[3]
		entry := ArchiveEntry{Addr: addr}
		if len(params) >= 5 {
			entry.Compression = params[4]
		}
		if len(params) >= 6 {
			delay, err := strconv.Atoi(params[5])
			if err != nil {
				return fmt.Errorf("archive-info %s: bad delay %q", op, params[5])
			}
			entry.DelaySec = delay
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		return d.addOrUpdateArchive(ctx, op, volID, archiveID, entry)

	case "delete":
		if len(params) < 3 {
			return fmt.Errorf("archive-info delete: archiveId required")
		}
		archiveID := params[2]
		m, err := d.loadArchiveInfo(volID)
		if err != nil {
			return err
		}
		if _, ok := m[archiveID]; !ok {
			return fmt.Errorf("archive-info delete: %s not registered for %s", archiveID, volID)
		}
		delete(m, archiveID)
		if err := d.saveArchiveInfo(volID, m); err != nil {
			return err
		}
		st := d.vols.Get(volID)
		if err := os.RemoveAll(d.volInfo(volID, st).Dir() + "/" + archiveID); err != nil {
			return err
		}
		return reply()

	default:
		return fmt.Errorf("archive-info: unknown op %q", op)
	}
}

// addOrUpdateArchive registers an archive destination, creating the
// volume on first add.
func (d *Daemon) addOrUpdateArchive(ctx *server.Ctx, op, volID, archiveID string, entry ArchiveEntry) error {
	st := d.vols.Get(volID)
	v := d.volInfo(volID, st)

	st.Lock.Lock()
	if st.SM.Get() == StClear {
		tx, err := st.SM.Begin(StClear, stAddArchiveInfo)
		if err != nil {
			st.Lock.Unlock()
			return err
		}
		st.Lock.Unlock()
		initErr := v.Init(uuid.Nil, StStopped)
		st.Lock.Lock()
		if initErr != nil {
			tx.Rollback()
			st.Lock.Unlock()
			return initErr
		}
		if err := tx.Commit(StStopped); err != nil {
			st.Lock.Unlock()
			return err
		}
	}
	st.Lock.Unlock()

	m, err := d.loadArchiveInfo(volID)
	if err != nil {
		return err
	}
	_, exists := m[archiveID]
	if op == "add" && exists {
		return fmt.Errorf("archive-info add: %s already registered for %s", archiveID, volID)
	}
	if op == "update" && !exists {
		return fmt.Errorf("archive-info update: %s not registered for %s", archiveID, volID)
	}
	m[archiveID] = entry
	if err := d.saveArchiveInfo(volID, m); err != nil {
		return err
	}
	if _, err := d.archiveDirInfo(volID, archiveID); err != nil {
		return err
	}
	logger.Info("archive registered",
		logger.KeyVol, volID, "archive_id", archiveID, logger.KeyAddr, entry.Addr)
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

func (d *Daemon) handleKick(ctx *server.Ctx) error {
	if _, err := readParams(ctx, 0); err != nil {
		return err
	}
	d.sched.Kick()
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
		return reply(server.HostTypeProxy)
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
	case server.GetDiff:
		if len(args) < 2 {
			return fmt.Errorf("get diff: volId and archiveId required")
		}
		info, err := d.archiveDirInfo(args[0], args[1])
		if err != nil {
			return err
		}
		var lines []string
		for _, diff := range info.DiffMgr().GetAll() {
			lines = append(lines, diff.Filename())
		}
		return reply(lines...)
	default:
		return fmt.Errorf("get: unknown target %q", target)
	}
}
