// Package server implements the common orchestration of the three
// daemons: the accept loop, the connection handshake, the protocol
// dispatch map, the uniform top-level error guard, and the per-volume
// state registry.
package server

// Canonical reply messages.
const (
	MsgOk     = "ok"
	MsgAccept = "accept"

	MsgTooNewDiff      = "too-new-diff"
	MsgTooOldDiff      = "too-old-diff"
	MsgDifferentUUID   = "different-uuid"
	MsgStopped         = "stopped"
	MsgWdiffRecv       = "wdiff-recv"
	MsgSyncing         = "syncing"
	MsgArchiveNotFound = "archive-not-found"
	MsgSmallerLvSize   = "smaller-lv-size"
)

// Host types.
const (
	HostTypeController = "controller"
	HostTypeStorage    = "storage"
	HostTypeProxy      = "proxy"
	HostTypeArchive    = "archive"
)

// Controller command protocol names.
const (
	CmdStatus      = "status"
	CmdInitVol     = "init-vol"
	CmdClearVol    = "clear-vol"
	CmdResetVol    = "reset-vol"
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdFullBkp     = "full-bkp"
	CmdHashBkp     = "hash-bkp"
	CmdSnapshot    = "snapshot"
	CmdArchiveInfo = "archive-info"
	CmdRestore     = "restore"
	CmdDelRestored = "del-restored"
	CmdApply       = "apply"
	CmdMerge       = "merge"
	CmdResize      = "resize"
	CmdShutdown    = "shutdown"
	CmdKick        = "kick"
	CmdHostType    = "host-type"
	CmdGet         = "get"
)

// Targets of the get command.
const (
	GetState          = "state"
	GetVol            = "vol"
	GetUUID           = "uuid"
	GetBase           = "base"
	GetDiff           = "diff"
	GetApplicableDiff = "applicable-diff"
	GetRestorable     = "restorable"
	GetRestored       = "restored"
	GetNumAction      = "num-action"
	GetHostType       = "host-type"
	GetPid            = "pid"
	GetTotalDiffSize  = "total-diff-size"
	GetExistsDiff     = "exists-diff"
)

// Internal protocol names.
const (
	ProtoDirtyFullSync = "dirty-full-sync"
	ProtoDirtyHashSync = "dirty-hash-sync"
	ProtoWlogTransfer  = "wlog-transfer"
	ProtoWdiffTransfer = "wdiff-transfer"
)
