// Package archive implements the archive daemon: it terminates
// full-sync, hash-sync, and wdiff-transfer streams, owns the base
// images and the per-volume diff chains, and serves apply, merge, and
// restore.
package archive

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/config"
	"github.com/marmos91/blockcdp/pkg/meta"
	prom "github.com/marmos91/blockcdp/pkg/metrics/prometheus"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/volume"
)

// Stable states.
const (
	StClear     = "Clear"
	StSyncReady = "SyncReady"
	StArchived  = "Archived"
	StStopped   = "Stopped"
)

// Transient states.
const (
	stInitVol   = "InitVol"
	stClearVol  = "ClearVol"
	stResetVol  = "ResetVol"
	stFullSync  = "FullSync"
	stHashSync  = "HashSync"
	stWdiffRecv = "WdiffRecv"
	stStop      = "Stop"
	stStart     = "Start"
)

// stateTable lists the permitted transitions.
var stateTable = []state.Pair{
	{From: StClear, To: stInitVol},
	{From: stInitVol, To: StSyncReady},
	{From: StSyncReady, To: stClearVol},
	{From: stClearVol, To: StClear},

	{From: StSyncReady, To: stFullSync},
	{From: stFullSync, To: StArchived},

	{From: StArchived, To: stHashSync},
	{From: stHashSync, To: StArchived},
	{From: StArchived, To: stWdiffRecv},
	{From: stWdiffRecv, To: StArchived},

	{From: StArchived, To: stStop},
	{From: stStop, To: StStopped},

	{From: StStopped, To: stClearVol},
	{From: StStopped, To: stStart},
	{From: stStart, To: StArchived},
	{From: StStopped, To: stResetVol},
	{From: stResetVol, To: StSyncReady},
}

// stableStates is the set the stop handshake waits for.
var stableStates = map[string]bool{
	StClear: true, StSyncReady: true, StArchived: true, StStopped: true,
}

// allActions are the counters checked before destructive transitions.
var allActions = []string{
	state.ActionMerge, state.ActionApply, state.ActionRestore,
	state.ActionReplSync, state.ActionResize,
}

// Daemon is the archive daemon.
type Daemon struct {
	srv  *server.Server
	cfg  config.Config
	vols *server.VolStateMap

	volMetrics  *prom.VolumeMetrics
	xferMetrics *prom.TransferMetrics
}

// New builds the daemon and registers its protocol handlers.
func New(cfg config.Config) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		srv:         server.New(cfg, server.HostTypeArchive),
		volMetrics:  prom.NewVolumeMetrics(),
		xferMetrics: prom.NewTransferMetrics(),
	}
	d.vols = server.NewVolStateMap(d.newVolState)

	s := d.srv
	s.Register(server.CmdStatus, d.handleStatus)
	s.Register(server.CmdInitVol, d.handleInitVol)
	s.Register(server.CmdClearVol, d.handleClearVol)
	s.Register(server.CmdResetVol, d.handleResetVol)
	s.Register(server.CmdStart, d.handleStart)
	s.Register(server.CmdStop, d.handleStop)
	s.Register(server.CmdRestore, d.handleRestore)
	s.Register(server.CmdDelRestored, d.handleDelRestored)
	s.Register(server.CmdApply, d.handleApply)
	s.Register(server.CmdMerge, d.handleMerge)
	s.Register(server.CmdResize, d.handleResize)
	s.Register(server.CmdHostType, d.handleHostType)
	s.Register(server.CmdGet, d.handleGet)
	s.Register(server.CmdKick, d.handleKick)
	s.Register(server.CmdShutdown, server.HandleShutdown(s))
	s.Register(server.ProtoDirtyFullSync, d.handleDirtyFullSync)
	s.Register(server.ProtoDirtyHashSync, d.handleDirtyHashSync)
	s.Register(server.ProtoWdiffTransfer, d.handleWdiffTransfer)
	return d
}

// Server returns the underlying protocol server.
func (d *Daemon) Server() *server.Server { return d.srv }

// newVolState builds and rehydrates one volume's state from disk.
func (d *Daemon) newVolState(volID string) *server.VolState {
	st := server.NewVolState(StClear, stateTable)
	v := volume.New(d.cfg.BaseDir, volID, st.DiffMgr)
	if v.Exists() {
		persisted, err := v.State()
		if err != nil {
			logger.Warn("volume state unreadable, treating as Clear",
				logger.KeyVol, volID, logger.KeyError, err.Error())
			return st
		}
		st.Lock.Lock()
		st.SM.Set(persisted)
		st.Lock.Unlock()
		if err := v.ReloadDiffs(); err != nil {
			logger.Warn("diff reload failed",
				logger.KeyVol, volID, logger.KeyError, err.Error())
		}
	}
	return st
}

// volInfo returns the disk handle bound to a volume's diff manager.
func (d *Daemon) volInfo(volID string, st *server.VolState) *volume.Info {
	return volume.New(d.cfg.BaseDir, volID, st.DiffMgr)
}

// initVolume prepares a fresh volume directory in SyncReady.
func (d *Daemon) initVolume(volID string, st *server.VolState) error {
	v := d.volInfo(volID, st)
	if err := v.Init(uuid.Nil, StSyncReady); err != nil {
		return err
	}
	return v.SetMetaState(meta.NewState(meta.NewSnap(0), time.Now().UTC()))
}

// verifyNoAction fails when any long-running action is in flight.
// The caller holds the volume lock.
func verifyNoAction(st *server.VolState) error {
	if !st.AC.IsAllZero(allActions) {
		return fmt.Errorf("actions are running: %v", st.AC.GetMap())
	}
	return nil
}

// verifyNotStopping fails when a stop is requested for the volume.
func verifyNotStopping(st *server.VolState, volID string) error {
	if st.Stop.IsStopping() {
		return fmt.Errorf("volume %s is stopping", volID)
	}
	return nil
}
