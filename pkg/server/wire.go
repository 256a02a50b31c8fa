package server

import (
	"time"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/meta"
	"github.com/marmos91/blockcdp/pkg/transport"
)

// HandleShutdown returns the shutdown handler shared by all daemons:
// it reads the force flag, acknowledges, and asks the server to stop.
func HandleShutdown(s *Server) Handler {
	return func(ctx *Ctx) error {
		force, err := ctx.Pkt.ReadBool()
		if err != nil {
			return err
		}
		if err := ctx.Pkt.WriteString(MsgAccept); err != nil {
			return err
		}
		ctx.SentOk = true
		kind := "graceful"
		if force {
			kind = "force"
		}
		logger.Info("shutdown requested",
			logger.KeyClientID, ctx.ClientID, "kind", kind)
		s.RequestShutdown(force)
		return nil
	}
}

// WriteMetaDiff frames a diff identity plus its timestamp.
func WriteMetaDiff(pkt *transport.Packet, d meta.Diff) error {
	for _, v := range []uint64{d.B.GidB, d.B.GidE, d.E.GidB, d.E.GidE} {
		if err := pkt.WriteUint64(v); err != nil {
			return err
		}
	}
	if err := pkt.WriteBool(d.Mergeable); err != nil {
		return err
	}
	if err := pkt.WriteBool(d.CompDiff); err != nil {
		return err
	}
	return pkt.WriteUint64(uint64(d.Timestamp.Unix()))
}

// ReadMetaDiff reads a diff framed by WriteMetaDiff.
func ReadMetaDiff(pkt *transport.Packet) (meta.Diff, error) {
	var d meta.Diff
	vals := []*uint64{&d.B.GidB, &d.B.GidE, &d.E.GidB, &d.E.GidE}
	for _, v := range vals {
		var err error
		if *v, err = pkt.ReadUint64(); err != nil {
			return meta.Diff{}, err
		}
	}
	var err error
	if d.Mergeable, err = pkt.ReadBool(); err != nil {
		return meta.Diff{}, err
	}
	if d.CompDiff, err = pkt.ReadBool(); err != nil {
		return meta.Diff{}, err
	}
	ts, err := pkt.ReadUint64()
	if err != nil {
		return meta.Diff{}, err
	}
	d.Timestamp = time.Unix(int64(ts), 0).UTC()
	return d, nil
}
