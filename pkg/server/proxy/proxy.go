// Package proxy implements the proxy daemon: it terminates wlog
// streams from storage, folds them into per-archive wdiff queues, and
// ships queued diffs to the configured archives in gid order.
package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/compress"
	"github.com/marmos91/blockcdp/pkg/config"
	"github.com/marmos91/blockcdp/pkg/meta"
	prom "github.com/marmos91/blockcdp/pkg/metrics/prometheus"
	"github.com/marmos91/blockcdp/pkg/scheduler"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/state"
	"github.com/marmos91/blockcdp/pkg/volume"
)

// Stable states.
const (
	StClear   = "Clear"
	StStarted = "Started"
	StStopped = "Stopped"
)

// Transient states.
const (
	stAddArchiveInfo = "AddArchiveInfo"
	stClearVol       = "ClearVol"
	stStart          = "Start"
	stStop           = "Stop"
	stWlogRecv       = "WlogRecv"
)

var stateTable = []state.Pair{
	{From: StClear, To: stAddArchiveInfo},
	{From: stAddArchiveInfo, To: StStopped},

	{From: StStopped, To: stClearVol},
	{From: stClearVol, To: StClear},
	{From: StStopped, To: stStart},
	{From: stStart, To: StStarted},

	{From: StStarted, To: stStop},
	{From: stStop, To: StStopped},
	{From: StStarted, To: stWlogRecv},
	{From: stWlogRecv, To: StStarted},
}

var stableStates = map[string]bool{
	StClear: true, StStarted: true, StStopped: true,
}

var allActions = []string{state.ActionSend}

// archiveInfoFile persists the archive registry of one volume.
const archiveInfoFile = "archive_info.yaml"

// ArchiveEntry is one registered archive destination for a volume.
type ArchiveEntry struct {
	Addr        string `yaml:"addr"`
	Compression string `yaml:"compression"`
	DelaySec    int    `yaml:"delay_sec"`
}

// Validate checks the entry fields.
func (e ArchiveEntry) Validate() error {
	if e.Addr == "" {
		return fmt.Errorf("archive entry: empty address")
	}
	if e.Compression != "" {
		if _, err := compress.ParseSpec(e.Compression); err != nil {
			return err
		}
	}
	if e.DelaySec < 0 {
		return fmt.Errorf("archive entry: negative delay")
	}
	return nil
}

// Daemon is the proxy daemon.
type Daemon struct {
	srv  *server.Server
	cfg  config.Config
	vols *server.VolStateMap

	sched       *scheduler.Runner
	xferMetrics *prom.TransferMetrics

	// lastFail delays resends toward an archive that just failed.
	failMu   sync.Mutex
	lastFail map[string]time.Time // volID/archiveID
}

// New builds the daemon, registers its handlers, and prepares the
// send scheduler (started by Run).
func New(cfg config.Config) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		srv:         server.New(cfg, server.HostTypeProxy),
		xferMetrics: prom.NewTransferMetrics(),
		lastFail:    map[string]time.Time{},
	}
	d.vols = server.NewVolStateMap(d.newVolState)
	d.sched = scheduler.New(cfg.Proxy.SendInterval, d.sendTask)

	s := d.srv
	s.Register(server.CmdStatus, d.handleStatus)
	s.Register(server.CmdClearVol, d.handleClearVol)
	s.Register(server.CmdStart, d.handleStart)
	s.Register(server.CmdStop, d.handleStop)
	s.Register(server.CmdArchiveInfo, d.handleArchiveInfo)
	s.Register(server.CmdKick, d.handleKick)
	s.Register(server.CmdHostType, d.handleHostType)
	s.Register(server.CmdGet, d.handleGet)
	s.Register(server.CmdShutdown, server.HandleShutdown(s))
	s.Register(server.ProtoWlogTransfer, d.handleWlogTransfer)
	return d
}

// Server returns the underlying protocol server.
func (d *Daemon) Server() *server.Server { return d.srv }

// Run starts the scheduler and serves until shutdown.
func (d *Daemon) Run() error {
	if err := d.sched.Watch(d.cfg.BaseDir); err != nil {
		logger.Warn("send scheduler watch", logger.KeyError, err.Error())
	}
	d.sched.Start()
	defer d.sched.Stop()
	return d.srv.Serve()
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

// volInfo returns the volume-level handle (state, uuid, archive
// registry live here; wdiff queues live in per-archive subdirs).
func (d *Daemon) volInfo(volID string, st *server.VolState) *volume.Info {
	return volume.New(d.cfg.BaseDir, volID, st.DiffMgr)
}

// archiveDirInfo returns the handle to one archive's wdiff queue of a
// volume. Each queue has its own diff manager rebuilt from disk.
func (d *Daemon) archiveDirInfo(volID, archiveID string) (*volume.Info, error) {
	info := volume.New(filepath.Join(d.cfg.BaseDir, volID), archiveID, meta.NewDiffManager())
	if err := os.MkdirAll(info.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("archive queue dir: %w", err)
	}
	if err := info.ReloadDiffs(); err != nil {
		return nil, err
	}
	return info, nil
}

// loadArchiveInfo reads the archive registry of a volume.
func (d *Daemon) loadArchiveInfo(volID string) (map[string]ArchiveEntry, error) {
	path := filepath.Join(d.cfg.BaseDir, volID, archiveInfoFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]ArchiveEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive info: %w", err)
	}
	out := map[string]ArchiveEntry{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse archive info: %w", err)
	}
	return out, nil
}

// saveArchiveInfo writes the archive registry of a volume.
func (d *Daemon) saveArchiveInfo(volID string, m map[string]ArchiveEntry) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("render archive info: %w", err)
	}
	path := filepath.Join(d.cfg.BaseDir, volID, archiveInfoFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write archive info: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish archive info: %w", err)
	}
	return nil
}

// shouldRetry reports whether enough time has passed since the last
// failed transfer toward an archive.
func (d *Daemon) shouldRetry(volID, archiveID string) bool {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	last, ok := d.lastFail[volID+"/"+archiveID]
	return !ok || time.Since(last) >= d.cfg.Proxy.RetryInterval
}

// noteFailure records a failed transfer toward an archive.
func (d *Daemon) noteFailure(volID, archiveID string) {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	d.lastFail[volID+"/"+archiveID] = time.Now()
}

// noteSuccess clears the failure delay.
func (d *Daemon) noteSuccess(volID, archiveID string) {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	delete(d.lastFail, volID+"/"+archiveID)
}

// archiveIDs returns the registered archive ids of a volume, sorted.
func (d *Daemon) archiveIDs(volID string) ([]string, error) {
	m, err := d.loadArchiveInfo(volID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
