// Package replication ingests a Postgres logical replication stream (pgoutput)
// into tables.
package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"arctic-table/catalog"
	"arctic-table/config"
	"arctic-table/failure"
	"arctic-table/table"
)

var mon = monkit.Package()

const standbyMessageTimeout = 10 * time.Second

type Replicator struct {
	log     *zap.Logger
	cfg     *config.Config
	cat     catalog.Catalog
	applier *Applier
}

func NewReplicator(log *zap.Logger, cfg *config.Config, cat catalog.Catalog) *Replicator {
	var tables []string
	for _, t := range cfg.Tables {
		tables = append(tables, t.Schema+"."+t.Name)
	}
	return &Replicator{
		log: log,
		cfg: cfg,
		cat: cat,
		applier: NewApplier(log, cat, ApplierOptions{
			Namespace: cfg.Postgres.Namespace,
			Tables:    tables,
		}),
	}
}

func (r *Replicator) dsn(replication bool) string {
	pg := r.cfg.Postgres
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(pg.User, pg.Password),
		Host:   pg.Host + ":" + strconv.Itoa(pg.Port),
		Path:   "/" + pg.Database,
	}
	if replication {
		u.RawQuery = "replication=database"
	}
	return u.String()
}

// Run replicates until ctx is done, reconnecting with backoff after
// connection failures. Errors applying the stream end the run.
func (r *Replicator) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := r.session(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case failure.IO.Has(err):
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.log.Warn("replication interrupted", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Replicator) session(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	r.applier.Reset()
	if len(r.cfg.Tables) > 0 {
		if err := r.ensurePublication(ctx); err != nil {
			return err
		}
	}

	conn, err := pgconn.Connect(ctx, r.dsn(true))
	if err != nil {
		return failure.IO.New("connecting to postgres for replication: %v", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if err := r.createReplicationSlot(ctx, conn); err != nil {
		return err
	}
	start, err := r.startLSN(ctx)
	if err != nil {
		return err
	}
	err = pglogrepl.StartReplication(ctx, conn, r.cfg.Postgres.Slot, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '2'",
			"streaming 'false'",
			fmt.Sprintf("publication_names '%s'", r.cfg.Postgres.Publication),
		},
	})
	if err != nil {
		return failure.IO.New("starting replication: %v", err)
	}
	r.log.Info("replication started",
		zap.String("slot", r.cfg.Postgres.Slot),
		zap.String("publication", r.cfg.Postgres.Publication),
		zap.Stringer("start_lsn", start))
	return r.handleReplication(ctx, conn)
}

// ensurePublication creates the publication for the configured tables when it
// does not exist yet.
func (r *Replicator) ensurePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.dsn(false))
	if err != nil {
		return failure.IO.New("connecting to postgres: %v", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		r.cfg.Postgres.Publication).Scan(&exists)
	if err != nil {
		return failure.IO.New("checking publication: %v", err)
	}
	if exists {
		return nil
	}
	stmt := "CREATE PUBLICATION " + pgx.Identifier{r.cfg.Postgres.Publication}.Sanitize() + " FOR TABLE "
	for i, t := range r.cfg.Tables {
		if i > 0 {
			stmt += ", "
		}
		stmt += pgx.Identifier{t.Schema, t.Name}.Sanitize()
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return failure.InvalidArgument.New("creating publication: %v", err)
	}
	r.log.Info("created publication", zap.String("publication", r.cfg.Postgres.Publication))
	return nil
}

func (r *Replicator) createReplicationSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.cfg.Postgres.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{
		Mode: pglogrepl.LogicalReplication,
	})
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == "42710" {
			// duplicate_object: the slot survives restarts
			return nil
		}
		return failure.IO.New("creating replication slot: %v", err)
	}
	r.log.Info("created replication slot", zap.String("slot", r.cfg.Postgres.Slot))
	return nil
}

// startLSN is the lowest LSN recorded by the configured tables. Zero lets the
// server resume from the slot's confirmed position.
func (r *Replicator) startLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var start pglogrepl.LSN
	for _, t := range r.cfg.Tables {
		ns := r.cfg.Postgres.Namespace
		if ns == "" {
			ns = t.Schema
		}
		tbl, err := r.cat.LoadTable(ctx, table.Identifier{Namespace: ns, Name: t.Name})
		if failure.NotFound.Has(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		v, ok := tbl.Properties()[PropLSN]
		if !ok {
			return 0, nil
		}
		lsn, err := pglogrepl.ParseLSN(v)
		if err != nil {
			return 0, failure.CorruptMetadata.New("table %s: %s=%q", tbl.Identifier(), PropLSN, v)
		}
		if start == 0 || lsn < start {
			start = lsn
		}
	}
	return start, nil
}

func (r *Replicator) handleReplication(ctx context.Context, conn *pgconn.PgConn) error {
	var clientXLogPos pglogrepl.LSN
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Now().After(nextStandbyMessageDeadline) {
			flushed := r.applier.Applied()
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: max(clientXLogPos, flushed),
				WALFlushPosition: flushed,
				WALApplyPosition: flushed,
			})
			if err != nil {
				return failure.IO.New("sending standby status: %v", err)
			}
			r.log.Debug("sent standby status", zap.Stringer("write", clientXLogPos), zap.Stringer("flush", flushed))
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) || ctx.Err() != nil {
				continue
			}
			return failure.IO.New("receiving replication message: %v", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return failure.IO.New("postgres replication error: %s (%s)", errMsg.Message, errMsg.Code)
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(msg.Data) == 0 {
			return failure.IO.New("empty CopyData message")
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return failure.IO.New("parsing keepalive: %v", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return failure.IO.New("parsing XLogData: %v", err)
			}
			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, false)
			if err != nil {
				return failure.InvalidArgument.New("parsing logical replication message: %v", err)
			}
			if err := r.applier.Handle(ctx, logicalMsg); err != nil {
				return err
			}
			if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > clientXLogPos {
				clientXLogPos = end
			}

		default:
			return failure.InvalidArgument.New("unknown replication message type %q", msg.Data[0])
		}
	}
}
