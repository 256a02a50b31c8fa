package archive

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/marmos91/blockcdp/internal/bytesize"
	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
)

// readParams reads the command parameter vector and checks arity.
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
	return ctx.Pkt.WriteString(server.HostTypeArchive)
}

// handleStatus reports either the volume list or one volume's detail.
func (d *Daemon) handleStatus(ctx *server.Ctx) error {
	params, err := readParams(ctx, 0)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		entries, err := os.ReadDir(d.cfg.BaseDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("scan base dir: %w", err)
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
	v := d.volInfo(volID, st)
	if !v.Exists() {
		return ctx.WriteErr(server.MsgArchiveNotFound)
	}

	st.Lock.Lock()
	smState := st.SM.Get()
	actions := st.AC.GetMap()
	st.Lock.Unlock()

	lines := []string{
		"state: " + smState,
	}
	if base, err := v.MetaState(); err == nil {
		latest := st.DiffMgr.GetLatestSnapshot(base)
		lines = append(lines,
			"base: "+base.String(),
			"latest: "+latest.String(),
		)
	}
	if sizeLb, err := v.ImageSizeLb(); err == nil {
		lines = append(lines, fmt.Sprintf("size_lb: %d (%s)",
			sizeLb, humanize.IBytes(block.LbToBytes(sizeLb))))
	}
	lines = append(lines,
		fmt.Sprintf("num_diff: %d", st.DiffMgr.Size()),
		fmt.Sprintf("total_diff_size: %s", humanize.IBytes(st.DiffMgr.TotalSizeB())),
	)
	if restored, err := v.Restored(); err == nil {
		lines = append(lines, fmt.Sprintf("restored: %v", restored))
	}
	for name, n := range actions {
		lines = append(lines, fmt.Sprintf("action_%s: %d", name, n))
	}

	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteStrVec(lines)
}

func (d *Daemon) handleInitVol(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	if err := verifyNoAction(st); err != nil {
		return err
	}
	tx, err := st.SM.Begin(StClear, stInitVol)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st.Lock.Unlock()
	initErr := d.initVolume(volID, st)
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

func (d *Daemon) handleClearVol(ctx *server.Ctx) error {
	params, err := readParams(ctx, 1)
	if err != nil {
		return err
	}
	volID := params[0]
	st := d.vols.Get(volID)

	st.Lock.Lock()
	defer st.Lock.Unlock()
	if err := verifyNoAction(st); err != nil {
		return err
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
	d.volMetrics.SetDiffStats(volID, 0, 0)
	logger.Info("volume cleared", logger.KeyVol, volID, logger.KeyClientID, ctx.ClientID)
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

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
	if err := verifyNoAction(st); err != nil {
		return err
	}
	tx, err := st.SM.Begin(StStopped, stResetVol)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := d.volInfo(volID, st)
	st.Lock.Unlock()
	resetErr := func() error {
		if err := v.RemoveWdiffs(st.DiffMgr.GetAll()); err != nil {
			return err
		}
		if err := v.SetMetaState(meta.NewState(meta.NewSnap(gid), time.Now().UTC())); err != nil {
			return err
		}
		return v.SetState(StSyncReady)
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
	if err := verifyNoAction(st); err != nil {
		return err
	}
	tx, err := st.SM.Begin(StStopped, stStart)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := d.volInfo(volID, st)
	st.Lock.Unlock()
	setErr := v.SetState(StArchived)
	st.Lock.Lock()
	if setErr != nil {
		return setErr
	}
	if err := tx.Commit(StArchived); err != nil {
		return err
	}
	st.Stop.Clear()
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteAck()
}

// handleStop acknowledges first, then performs the stop handshake:
// escalate the stop flag, wait until no action runs and the state is
// stable, and move Archived volumes to Stopped.
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

	cur := st.SM.Get()
	logger.Info("tasks stopped", logger.KeyVol, volID, logger.KeyState, cur)
	if cur != StArchived {
		return nil
	}
	tx, err := st.SM.Begin(StArchived, stStop)
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

// handleRestore runs under a Restore action token, concurrent with
// the Archived state.
func (d *Daemon) handleRestore(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID := params[0]
	gid, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return fmt.Errorf("restore: bad gid %q", params[1])
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	if err := verifyNotStopping(st, volID); err != nil {
		st.Lock.Unlock()
		return err
	}
	cur := st.SM.Get()
	if cur != StArchived && cur != stHashSync && cur != stWdiffRecv {
		st.Lock.Unlock()
		return fmt.Errorf("restore %s: state %s", volID, cur)
	}
	token := st.AC.Begin(state.ActionRestore)
	st.Lock.Unlock()

	restoreErr := d.volInfo(volID, st).Restore(gid, &st.Stop)

	st.Lock.Lock()
	token.End()
	st.Lock.Unlock()

	if restoreErr != nil {
		return restoreErr
	}
	d.volMetrics.RecordRestore(volID)
	return ctx.WriteOk()
}

func (d *Daemon) handleDelRestored(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID := params[0]
	gid, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return fmt.Errorf("del-restored: bad gid %q", params[1])
	}
	st := d.vols.Get(volID)
	if err := d.volInfo(volID, st).DelRestored(gid); err != nil {
		return err
	}
	return ctx.WriteOk()
}

func (d *Daemon) handleApply(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID := params[0]
	gid, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return fmt.Errorf("apply: bad gid %q", params[1])
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	if err := verifyNotStopping(st, volID); err != nil {
		st.Lock.Unlock()
		return err
	}
	if cur := st.SM.Get(); cur != StArchived {
		st.Lock.Unlock()
		return fmt.Errorf("apply %s: state %s", volID, cur)
	}
	if n := st.AC.Get(state.ActionApply); n > 0 {
		st.Lock.Unlock()
		return fmt.Errorf("apply %s: already running", volID)
	}
	token := st.AC.Begin(state.ActionApply)
	st.Lock.Unlock()

	applyErr := d.volInfo(volID, st).Apply(gid, &st.Stop)

	st.Lock.Lock()
	token.End()
	st.Lock.Unlock()

	if applyErr != nil {
		return applyErr
	}
	d.volMetrics.RecordApply(volID)
	d.volMetrics.SetDiffStats(volID, st.DiffMgr.Size(), st.DiffMgr.TotalSizeB())
	return ctx.WriteOk()
}

func (d *Daemon) handleMerge(ctx *server.Ctx) error {
	params, err := readParams(ctx, 3)
	if err != nil {
		return err
	}
	volID := params[0]
	gidB, err := strconv.ParseUint(params[1], 10, 64)
	if err != nil {
		return fmt.Errorf("merge: bad gidB %q", params[1])
	}
	gidE, err := strconv.ParseUint(params[2], 10, 64)
	if err != nil {
		return fmt.Errorf("merge: bad gidE %q", params[2])
	}
	var maxSizeB uint64
	if len(params) >= 4 {
		mb, err := strconv.ParseUint(params[3], 10, 64)
		if err != nil {
			return fmt.Errorf("merge: bad maxSizeMb %q", params[3])
		}
		maxSizeB = mb << 20
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	if err := verifyNotStopping(st, volID); err != nil {
		st.Lock.Unlock()
		return err
	}
	if cur := st.SM.Get(); cur != StArchived {
		st.Lock.Unlock()
		return fmt.Errorf("merge %s: state %s", volID, cur)
	}
	if !st.AC.IsAllZero([]string{state.ActionMerge, state.ActionApply, state.ActionRestore}) {
		st.Lock.Unlock()
		return fmt.Errorf("merge %s: conflicting action running: %v", volID, st.AC.GetMap())
	}
	token := st.AC.Begin(state.ActionMerge)
	st.Lock.Unlock()

	merged, mergeErr := d.volInfo(volID, st).MergeDiffs(gidB, gidE, maxSizeB, &st.Stop)

	st.Lock.Lock()
	token.End()
	st.Lock.Unlock()

	if mergeErr != nil {
		return mergeErr
	}
	d.volMetrics.RecordMerge(volID)
	d.volMetrics.SetDiffStats(volID, st.DiffMgr.Size(), st.DiffMgr.TotalSizeB())
	if err := ctx.WriteOk(); err != nil {
		return err
	}
	return ctx.Pkt.WriteString(merged.String())
}

func (d *Daemon) handleResize(ctx *server.Ctx) error {
	params, err := readParams(ctx, 2)
	if err != nil {
		return err
	}
	volID := params[0]
	size, err := bytesize.Parse(params[1])
	if err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	if uint64(size)%block.LogicalBlockSize != 0 {
		return fmt.Errorf("resize: size %s not a multiple of logical block", params[1])
	}
	st := d.vols.Get(volID)

	st.Lock.Lock()
	if err := verifyNotStopping(st, volID); err != nil {
		st.Lock.Unlock()
		return err
	}
	token := st.AC.Begin(state.ActionResize)
	st.Lock.Unlock()

	resizeErr := d.volInfo(volID, st).ResizeImage(block.BytesToLb(uint64(size)))

	st.Lock.Lock()
	token.End()
	st.Lock.Unlock()

	if resizeErr != nil {
		return resizeErr
	}
	return ctx.WriteOk()
}

// handleKick is a no-op on the archive; it exists so the controller
// can kick any daemon uniformly.
func (d *Daemon) handleKick(ctx *server.Ctx) error {
	if _, err := readParams(ctx, 0); err != nil {
		return err
	}
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
	needVol := func() (*server.VolState, string, error) {
		if len(args) < 1 {
			return nil, "", fmt.Errorf("get %s: volId required", target)
		}
		return d.vols.Get(args[0]), args[0], nil
	}

	switch target {
	case server.GetHostType:
		return reply(server.HostTypeArchive)
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
		st, _, err := needVol()
		if err != nil {
			return err
		}
		return reply(st.SM.GetLocked())
	case server.GetNumAction:
		st, _, err := needVol()
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return fmt.Errorf("get num-action: action name required")
		}
		st.Lock.Lock()
		n := st.AC.Get(args[1])
		st.Lock.Unlock()
		return reply(strconv.Itoa(n))
	case server.GetUUID:
		st, volID, err := needVol()
		if err != nil {
			return err
		}
		id, err := d.volInfo(volID, st).UUID()
		if err != nil {
			return err
		}
		return reply(id.String())
	case server.GetBase:
		st, volID, err := needVol()
		if err != nil {
			return err
		}
		base, err := d.volInfo(volID, st).MetaState()
		if err != nil {
			return err
		}
		return reply(base.String())
	case server.GetDiff:
		st, _, err := needVol()
		if err != nil {
			return err
		}
		var lines []string
		for _, diff := range st.DiffMgr.GetAll() {
			lines = append(lines, diff.Filename())
		}
		return reply(lines...)
	case server.GetApplicableDiff:
		st, volID, err := needVol()
		if err != nil {
			return err
		}
		base, err := d.volInfo(volID, st).MetaState()
		if err != nil {
			return err
		}
		var lines []string
		for _, diff := range st.DiffMgr.GetApplicableDiffList(base.Snap, 0) {
			lines = append(lines, diff.Filename())
		}
		return reply(lines...)
	case server.GetRestorable:
		st, volID, err := needVol()
		if err != nil {
			return err
		}
		base, err := d.volInfo(volID, st).MetaState()
		if err != nil {
			return err
		}
		var lines []string
		for _, gid := range st.DiffMgr.RestorableGids(base) {
			lines = append(lines, strconv.FormatUint(gid, 10))
		}
		return reply(lines...)
	case server.GetRestored:
		st, volID, err := needVol()
		if err != nil {
			return err
		}
		restored, err := d.volInfo(volID, st).Restored()
		if err != nil {
			return err
		}
		var lines []string
		for _, gid := range restored {
			lines = append(lines, strconv.FormatUint(gid, 10))
		}
		return reply(lines...)
	case server.GetTotalDiffSize:
		st, _, err := needVol()
		if err != nil {
			return err
		}
		return reply(strconv.FormatUint(st.DiffMgr.TotalSizeB(), 10))
	case server.GetExistsDiff:
		st, _, err := needVol()
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return fmt.Errorf("get exists-diff: diff filename required")
		}
		diff, err := meta.ParseDiffFilename(args[1])
		if err != nil {
			return err
		}
		return reply(strconv.FormatBool(st.DiffMgr.Exists(diff)))
	default:
		return fmt.Errorf("get: unknown target %q", target)
	}
}
