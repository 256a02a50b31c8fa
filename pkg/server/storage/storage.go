// Package storage implements the storage daemon: it owns the WAL
// devices of its volumes, drives full-sync and hash-sync toward the
// archive, and ships WAL ranges to the proxies as snapshots are
// taken.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/config"
	prom "github.com/marmos91/blockcdp/pkg/metrics/prometheus"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/volume"
)

// Stable states.
const (
	StClear     = "Clear"
	StSyncReady = "SyncReady"
	StStarted   = "Started"
	StStopped   = "Stopped"
)

// Transient states.
const (
	stInitVol  = "InitVol"
	stClearVol = "ClearVol"
	stResetVol = "ResetVol"
	stFullSync = "FullSync"
	stHashSync = "HashSync"
	stStart    = "Start"
	stStop     = "Stop"
	stWlogSend = "WlogSend"
)

var stateTable = []state.Pair{
	{From: StClear, To: stInitVol},
	{From: stInitVol, To: StSyncReady},
	{From: StSyncReady, To: stClearVol},
	{From: stClearVol, To: StClear},

	{From: StSyncReady, To: stFullSync},
	{From: stFullSync, To: StStarted},
	{From: StSyncReady, To: stHashSync},
	{From: stHashSync, To: StStarted},

	{From: StStarted, To: stWlogSend},
	{From: stWlogSend, To: StStarted},
	{From: StStarted, To: stStop},
	{From: stStop, To: StStopped},

	{From: StStopped, To: stStart},
	{From: stStart, To: StStarted},
	{From: StStopped, To: stResetVol},
	{From: stResetVol, To: StSyncReady},
	{From: StStopped, To: stClearVol},
}

var stableStates = map[string]bool{
	StClear: true, StSyncReady: true, StStarted: true, StStopped: true,
}

var allActions = []string{state.ActionSend}

// Volume-local files beside the shared state/uuid records.
const (
	wdevFile  = "wdev"
	queueFile = "queue"
)

// queueRecord persists the wlog shipping progress of one volume.
type queueRecord struct {
	NextGid  uint64 `yaml:"next_gid"`
	DoneLsid uint64 `yaml:"done_lsid"`
}

// Daemon is the storage daemon.
type Daemon struct {
	srv  *server.Server
	cfg  config.Config
	vols *server.VolStateMap

	xferMetrics *prom.TransferMetrics
}

// New builds the daemon and registers its handlers.
func New(cfg config.Config) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		srv:         server.New(cfg, server.HostTypeStorage),
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
	s.Register(server.CmdFullBkp, d.handleFullBkp)
	s.Register(server.CmdHashBkp, d.handleHashBkp)
	s.Register(server.CmdSnapshot, d.handleSnapshot)
	s.Register(server.CmdKick, d.handleKick)
	s.Register(server.CmdHostType, d.handleHostType)
	s.Register(server.CmdGet, d.handleGet)
	s.Register(server.CmdShutdown, server.HandleShutdown(s))
	return d
}

// Server returns the underlying protocol server.
func (d *Daemon) Server() *server.Server { return d.srv }

// socketOptions converts the config into transport options for
// client connections toward the archive and the proxies.
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
	}
	return st
}

func (d *Daemon) volInfo(volID string, st *server.VolState) *volume.Info {
	return volume.New(d.cfg.BaseDir, volID, st.DiffMgr)
}

// wdevPath reads the registered WAL device path of a volume.
func (d *Daemon) wdevPath(volID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.cfg.BaseDir, volID, wdevFile))
	if err != nil {
		return "", fmt.Errorf("volume %s: read wdev path: %w", volID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// dataDevPath resolves the production data device that full and hash
// sync read. By convention it sits beside the WAL device with a
// ".data" suffix.
func (d *Daemon) dataDevPath(volID string) (string, error) {
	wdev, err := d.wdevPath(volID)
	if err != nil {
		return "", err
	}
	return wdev + ".data", nil
}

// loadQueue reads the shipping progress record.
func (d *Daemon) loadQueue(volID string) (queueRecord, error) {
	data, err := os.ReadFile(filepath.Join(d.cfg.BaseDir, volID, queueFile))
	if err != nil {
		return queueRecord{}, fmt.Errorf("volume %s: read queue: %w", volID, err)
	}
	var q queueRecord
	if err := yaml.Unmarshal(data, &q); err != nil {
		return queueRecord{}, fmt.Errorf("volume %s: parse queue: %w", volID, err)
	}
	return q, nil
}

// saveQueue persists the shipping progress record.
func (d *Daemon) saveQueue(volID string, q queueRecord) error {
	data, err := yaml.Marshal(q)
	if err != nil {
		return fmt.Errorf("volume %s: render queue: %w", volID, err)
	}
	path := filepath.Join(d.cfg.BaseDir, volID, queueFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("volume %s: write queue: %w", volID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("volume %s: publish queue: %w", volID, err)
	}
	return nil
}

// resetQueue initializes the record from the current WAL watermarks.
func (d *Daemon) resetQueue(volID string, gid, doneLsid uint64) error {
	return d.saveQueue(volID, queueRecord{NextGid: gid, DoneLsid: doneLsid})
}
