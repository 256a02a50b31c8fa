package logger

// Standard field keys for structured logging. Use these consistently
// so log lines from the three daemons aggregate cleanly.
const (
	KeyVol      = "vol"       // volume identifier
	KeyGid      = "gid"       // generation id
	KeyGidB     = "gid_b"     // begin generation id of a range
	KeyGidE     = "gid_e"     // end generation id of a range
	KeyLsid     = "lsid"      // WAL log sequence id
	KeyState    = "state"     // volume state name
	KeyAction   = "action"    // long-running action name
	KeyProtocol = "protocol"  // wire protocol name
	KeyClientID = "client_id" // peer node id on a connection
	KeyServerID = "server_id" // local node id
	KeySizeLb   = "size_lb"   // size in logical blocks
	KeyBytes    = "bytes"     // size in bytes
	KeyDiff     = "diff"      // wdiff identifier string
	KeyPath     = "path"      // filesystem path
	KeyAddr     = "addr"      // network address
	KeyError    = "error"     // error detail
)
