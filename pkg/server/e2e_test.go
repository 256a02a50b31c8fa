package server_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/blockcdp/pkg/block"
	"github.com/marmos91/blockcdp/pkg/client"
	"github.com/marmos91/blockcdp/pkg/config"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/server/archive"
	"github.com/marmos91/blockcdp/pkg/server/proxy"
	"github.com/marmos91/blockcdp/pkg/server/storage"
	"github.com/marmos91/blockcdp/pkg/transport"
	"github.com/marmos91/blockcdp/pkg/walog"
)

func testConfig(t *testing.T, nodeID string) config.Config {
	t.Helper()
	cfg := config.Default(nodeID, 0)
	cfg.Listen = "127.0.0.1:0"
	cfg.BaseDir = filepath.Join(t.TempDir(), nodeID)
	cfg.Proxy.SendInterval = 50 * time.Millisecond
	cfg.Proxy.RetryInterval = 100 * time.Millisecond
	require.NoError(t, os.MkdirAll(cfg.BaseDir, 0o755))
	return cfg
}

// startServer runs a daemon server and returns its bound address.
func startServer(t *testing.T, s *server.Server, run func() error) string {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run() }()
	t.Cleanup(func() {
		s.RequestShutdown(true)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("server did not stop in time")
		}
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func ctlClient(addr string) *client.Client {
	opts := transport.DefaultSocketOptions()
	opts.ConnectTimeout = 2 * time.Second
	return client.New(addr, "ctl-test", opts)
}

// makeWalDevice creates a WAL device file plus its production data
// file beside it, and returns the device path and data content.
func makeWalDevice(t *testing.T, dir string, ringPb uint64, dataLb int) (string, []byte) {
	t.Helper()
	rnd := rand.New(rand.NewSource(77))
	pbs := uint32(4096)

	wdevPath := filepath.Join(dir, "wdev")
	buf := make([]byte, (1+ringPb)*uint64(pbs))
	require.NoError(t, os.WriteFile(wdevPath, buf, 0o644))

	super := &walog.SuperBlock{
		Pbs:         pbs,
		Salt:        0x5eaf00d,
		UUID:        uuid.New(),
		RingStartPb: 1,
		RingSizePb:  ringPb,
	}
	f, err := os.OpenFile(wdevPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, walog.WriteSuperBlock(f, super))
	require.NoError(t, f.Close())

	data := make([]byte, dataLb*block.LogicalBlockSize)
	rnd.Read(data)
	require.NoError(t, os.WriteFile(wdevPath+".data", data, 0o644))
	return wdevPath, data
}

// appendWalPacks appends write requests to the WAL device file and
// mirrors them onto the expected image.
func appendWalPacks(t *testing.T, wdevPath string, expected []byte, reqs [][]walog.IoReq) {
	t.Helper()
	f, err := os.OpenFile(wdevPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	super, err := walog.ReadSuperBlock(f)
	require.NoError(t, err)

	b := walog.NewBuilder(f, &super)
	for _, pack := range reqs {
		_, err := b.AddPack(pack)
		require.NoError(t, err)
		for _, req := range pack {
			off := block.LbToBytes(req.OffsetLb)
			if req.Discard {
				size := block.LbToBytes(uint64(req.SizeLb))
				for i := off; i < off+size; i++ {
					expected[i] = 0
				}
			} else {
				copy(expected[off:], req.Data)
			}
		}
	}
	require.NoError(t, b.Flush())
}

func waitRestorable(t *testing.T, ctl *client.Client, volID string, gid string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		gids, err := ctl.Get(server.GetRestorable, volID)
		if err == nil {
			for _, g := range gids {
				if g == gid {
					return
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("gid %s never became restorable", gid)
}

// TestPipelineFullSyncSnapshotRestore drives the whole pipeline:
// full backup to the archive, writes into the WAL, a snapshot shipped
// through the proxy, and a restore of both snapshots at the archive.
func TestPipelineFullSyncSnapshotRestore(t *testing.T) {
	const volID = "vol0"
	rnd := rand.New(rand.NewSource(88))

	// Archive.
	archCfg := testConfig(t, "archive0")
	archD := archive.New(archCfg)
	archAddr := startServer(t, archD.Server(), archD.Server().Serve)
	archCtl := ctlClient(archAddr)

	// Proxy.
	proxCfg := testConfig(t, "proxy0")
	proxD := proxy.New(proxCfg)
	proxAddr := startServer(t, proxD.Server(), proxD.Run)
	proxCtl := ctlClient(proxAddr)

	// Storage with a seeded WAL device and data device.
	devDir := t.TempDir()
	wdevPath, data := makeWalDevice(t, devDir, 1024, 1024)
	storCfg := testConfig(t, "storage0")
	storCfg.Storage.Archive = archAddr
	storCfg.Storage.Proxies = []string{proxAddr}
	storCfg.Storage.BulkLb = 16
	storD := storage.New(storCfg)
	storAddr := startServer(t, storD.Server(), storD.Server().Serve)
	storCtl := ctlClient(storAddr)

	// Volume setup.
	require.NoError(t, archCtl.InitVol(volID, ""))
	require.NoError(t, storCtl.InitVol(volID, wdevPath))
	_, err := proxCtl.ArchiveInfo("add", volID, "archive0", archAddr)
	require.NoError(t, err)
	require.NoError(t, proxCtl.Start(volID, ""))

	// Full backup (S1 shape: 1024 blocks, bulkLb 16, gid 0).
	require.NoError(t, storCtl.FullBkp(volID, 16))

	// Restore gid 0 equals the data device content.
	require.NoError(t, archCtl.Restore(volID, 0))
	img, err := os.ReadFile(filepath.Join(archCfg.BaseDir, volID, "r_0"))
	require.NoError(t, err)
	assert.Equal(t, data, img)

	// Write into the WAL, snapshot, and let the proxy ship the diff.
	expected := append([]byte{}, data...)
	payload := make([]byte, 8*block.LogicalBlockSize)
	rnd.Read(payload)
	payload2 := make([]byte, 3*block.LogicalBlockSize)
	rnd.Read(payload2)
	appendWalPacks(t, wdevPath, expected, [][]walog.IoReq{
		{
			{OffsetLb: 100, Data: payload},
			{OffsetLb: 300, Discard: true, SizeLb: 4},
		},
		{
			{OffsetLb: 104, Data: payload2},
		},
	})

	gid, err := storCtl.Snapshot(volID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gid)

	waitRestorable(t, archCtl, volID, "1")

	require.NoError(t, archCtl.Restore(volID, 1))
	img, err = os.ReadFile(filepath.Join(archCfg.BaseDir, volID, "r_1"))
	require.NoError(t, err)
	assert.Equal(t, expected, img)

	// Apply the shipped diff, then verify the base advanced.
	require.NoError(t, archCtl.Apply(volID, 1))
	base, err := archCtl.Get(server.GetBase, volID)
	require.NoError(t, err)
	require.Len(t, base, 1)
	assert.Contains(t, base[0], meta.NewSnap(1).String())
}

// TestWdiffTransferRelationReplies checks the canonical reject tags
// of the wdiff-transfer server.
func TestWdiffTransferRelationReplies(t *testing.T) {
	const volID = "vol1"
	archCfg := testConfig(t, "archive1")
	archD := archive.New(archCfg)
	archAddr := startServer(t, archD.Server(), archD.Server().Serve)
	archCtl := ctlClient(archAddr)

	offerDiff := func(d meta.Diff, id uuid.UUID) string {
		opts := transport.DefaultSocketOptions()
		opts.ConnectTimeout = 2 * time.Second
		conn, err := transport.Dial(archAddr, opts)
		require.NoError(t, err)
		defer conn.Close()
		_, err = transport.Negotiate(conn, "test-proxy", server.ProtoWdiffTransfer)
		require.NoError(t, err)
		pkt := transport.NewPacket(conn)
		require.NoError(t, pkt.WriteString(volID))
		require.NoError(t, pkt.WriteString(server.HostTypeProxy))
		require.NoError(t, pkt.WriteUUID(id))
		require.NoError(t, pkt.WriteUint32(64))
		require.NoError(t, pkt.WriteUint64(d.SizeB))
		require.NoError(t, server.WriteMetaDiff(pkt, d))
		reply, err := pkt.ReadString()
		require.NoError(t, err)
		return reply
	}

	// Unknown volume.
	d := meta.NewDiff(5, 6)
	assert.Equal(t, server.MsgArchiveNotFound, offerDiff(d, uuid.New()))

	// Prepare an archived volume at gid 0 by a tiny full sync.
	require.NoError(t, archCtl.InitVol(volID, ""))
	srcUUID := uuid.New()
	runTinyFullSync(t, archAddr, volID, srcUUID, 16)

	// Too new: begins past the latest snapshot (0).
	assert.Equal(t, server.MsgTooNewDiff, offerDiff(meta.NewDiff(5, 6), srcUUID))

	// Different uuid.
	assert.Equal(t, server.MsgDifferentUUID, offerDiff(meta.NewDiff(0, 1), uuid.New()))

	// Stopped volume.
	require.NoError(t, archCtl.Stop(volID, false))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := archCtl.Get(server.GetState, volID)
		if err == nil && len(st) == 1 && st[0] == "Stopped" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, server.MsgStopped, offerDiff(meta.NewDiff(0, 1), srcUUID))
}

// runTinyFullSync plays the storage side of the full-sync protocol
// with a zero-filled image.
func runTinyFullSync(t *testing.T, archAddr, volID string, srcUUID uuid.UUID, sizeLb uint64) {
	t.Helper()
	opts := transport.DefaultSocketOptions()
	opts.ConnectTimeout = 2 * time.Second
	conn, err := transport.Dial(archAddr, opts)
	require.NoError(t, err)
	defer conn.Close()
	_, err = transport.Negotiate(conn, "test-storage", server.ProtoDirtyFullSync)
	require.NoError(t, err)

	pkt := transport.NewPacket(conn)
	require.NoError(t, pkt.WriteString(server.HostTypeStorage))
	require.NoError(t, pkt.WriteString(volID))
	require.NoError(t, pkt.WriteUUID(srcUUID))
	require.NoError(t, pkt.WriteUint64(sizeLb))
	require.NoError(t, pkt.WriteUint64(uint64(time.Now().Unix())))
	require.NoError(t, pkt.WriteUint64(sizeLb)) // one bulk
	reply, err := pkt.ReadString()
	require.NoError(t, err)
	require.Equal(t, server.MsgOk, reply)

	chunk := make([]byte, block.LbToBytes(sizeLb))
	enc := snappy.Encode(nil, chunk)
	require.NoError(t, pkt.WriteUint64(uint64(len(enc))))
	require.NoError(t, pkt.WriteBytes(enc))
	require.NoError(t, pkt.WriteUint64(0))
	require.NoError(t, pkt.WriteUint64(0))
	require.NoError(t, pkt.ReadAck())
}
