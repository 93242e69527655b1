package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"arctic-table/datafile"
	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/schema"
)

// Transaction stages changes in memory and commits them as one metadata
// version with at most one new snapshot. On a commit conflict every staged
// change is applied again on top of the winner's metadata.
//
// Rows staged with AppendRows or Overwrite are written to data files when
// staged; the files are reused by every commit attempt.
type Transaction struct {
	t    *Table
	view *schema.Manager
	ops  []op
	// owned lists data files written while staging, removed if the
	// transaction fails for good.
	owned []manifest.DataFile
	err   error

	requireParent bool
	parent        int64
	movesPointer  bool
	changesData   bool
	committed     bool
}

type op interface {
	apply(ctx context.Context, st *state) error
}

// NewTransaction starts a transaction on the table's cached metadata.
func (t *Table) NewTransaction() *Transaction {
	tx := &Transaction{t: t}
	tx.view, tx.err = t.Metadata().SchemaManager()
	return tx
}

// Schema returns the schema with staged schema changes applied.
func (tx *Transaction) Schema() *schema.Schema {
	if tx.view == nil {
		return nil
	}
	return tx.view.Current()
}

// RequireParent makes the commit fail with failure.ConcurrentModification,
// without retrying, unless the table's current snapshot is id.
func (tx *Transaction) RequireParent(id int64) *Transaction {
	tx.requireParent, tx.parent = true, id
	return tx
}

// AppendRows writes rows to data files under the staged schema and stages
// them for append.
func (tx *Transaction) AppendRows(ctx context.Context, rows []schema.Record) error {
	if tx.err != nil {
		return tx.err
	}
	if len(rows) == 0 {
		return nil
	}
	s := tx.Schema()
	files, err := datafile.WriteFiles(ctx, tx.t.log, tx.t.store, tx.t.writerOptions(tx.t.Metadata(), s), rows)
	if err != nil {
		return err
	}
	tx.owned = append(tx.owned, files...)
	tx.stage(&appendOp{files: files, schema: s}, true)
	return nil
}

// AppendFiles stages data files written elsewhere.
func (tx *Transaction) AppendFiles(files []manifest.DataFile) *Transaction {
	tx.stage(&appendOp{files: files}, true)
	return tx
}

// Delete stages removal of the rows matching filter. Files whose rows all
// match are dropped; files with some matching rows are rewritten without them.
func (tx *Transaction) Delete(filter expr.Expr) *Transaction {
	tx.stage(&deleteOp{filter: filter}, true)
	return tx
}

// Overwrite stages a delete of filter followed by an append of rows.
func (tx *Transaction) Overwrite(ctx context.Context, filter expr.Expr, rows []schema.Record) error {
	tx.Delete(filter)
	return tx.AppendRows(ctx, rows)
}

// RewriteDataFiles stages compaction of every partition with more than one
// file.
func (tx *Transaction) RewriteDataFiles() *Transaction {
	tx.stage(&rewriteOp{}, true)
	return tx
}

// SetProperties stages property changes.
func (tx *Transaction) SetProperties(set map[string]string, remove ...string) *Transaction {
	tx.stage(&propertiesOp{set: set, remove: remove}, false)
	return tx
}

// Rollback stages moving the current snapshot to an ancestor.
func (tx *Transaction) Rollback(snapshotID int64) *Transaction {
	tx.stage(&rollbackOp{snapshotID: snapshotID}, false)
	tx.movesPointer = true
	return tx
}

// RollbackToTime stages moving the current snapshot to the ancestor that was
// current at ts.
func (tx *Transaction) RollbackToTime(ts time.Time) *Transaction {
	tx.stage(&rollbackOp{at: ts}, false)
	tx.movesPointer = true
	return tx
}

// ExpireSnapshots stages removal of snapshot records older than olderThan.
// The current snapshot and its retainLast most recent ancestors are kept.
// The IDs removed by the committed attempt are written to removed when it is
// not nil.
func (tx *Transaction) ExpireSnapshots(olderThan time.Time, retainLast int, removed *[]int64) *Transaction {
	tx.stage(&expireOp{olderThan: olderThan, retainLast: retainLast, removed: removed}, false)
	return tx
}

func (tx *Transaction) stage(o op, data bool) {
	tx.ops = append(tx.ops, o)
	if data {
		tx.changesData = true
	}
}

// Commit applies the staged changes. Conflicts are retried with backoff up to
// the configured number of times, after which failure.ConcurrentModification
// is returned. A transaction can be committed once.
func (tx *Transaction) Commit(ctx context.Context) (md *iceberg.TableMetadata, err error) {
	defer mon.Task()(&ctx)(&err)

	if tx.err != nil {
		return nil, tx.err
	}
	if tx.committed {
		return nil, failure.InvalidArgument.New("transaction on %s already committed", tx.t.ident)
	}
	if tx.movesPointer && tx.changesData {
		return nil, failure.InvalidArgument.New("rollback cannot be combined with data changes")
	}
	tx.committed = true

	cfg := tx.t.opts.Table
	retries := tx.t.Metadata().PropertyInt(iceberg.PropCommitRetries, cfg.CommitRetries)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.CommitMinBackoff
	expo.MaxInterval = cfg.CommitMaxBackoff
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(max(retries, 0))), ctx)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		if attempt > 1 {
			if err := tx.t.Refresh(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		next, err := tx.attempt(ctx)
		var perm *backoff.PermanentError
		switch {
		case err == nil:
			md = next
			return nil
		case errors.As(err, &perm):
			return perm
		case failure.ConcurrentModification.Has(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy, func(err error, wait time.Duration) {
		mon.Counter("commit_conflicts").Inc(1)
		tx.t.log.Debug("commit conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		if !failure.IO.Has(err) {
			tx.abort(ctx)
		}
		tx.t.log.Warn("commit failed", zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	return md, nil
}

func (tx *Transaction) abort(ctx context.Context) {
	for _, f := range tx.owned {
		if err := tx.t.store.Delete(ctx, f.FilePath); err != nil {
			tx.t.log.Warn("removing uncommitted data file", zap.String("path", f.FilePath), zap.Error(err))
		}
	}
	tx.owned = nil
}

// attempt builds and publishes one new metadata version from the cached base.
func (tx *Transaction) attempt(ctx context.Context) (*iceberg.TableMetadata, error) {
	base, baseKey := tx.t.current()
	if tx.requireParent && base.CurrentSnapshotID != tx.parent {
		return nil, backoff.Permanent(failure.ConcurrentModification.New("table %s: expected current snapshot %d, found %d",
			tx.t.ident, tx.parent, base.CurrentSnapshotID))
	}

	st := newState(tx.t, base)
	for _, o := range tx.ops {
		if err := o.apply(ctx, st); err != nil {
			st.cleanup(ctx)
			if st.alreadyLive {
				// an earlier attempt landed after all; its files belong to the table
				tx.owned = nil
			}
			return nil, err
		}
	}
	snap, err := st.writeSnapshot(ctx)
	if err != nil {
		st.cleanup(ctx)
		return nil, err
	}
	if !st.b.Changed() {
		return base, nil
	}

	next, err := st.b.Build(baseKey, st.now)
	if err != nil {
		st.cleanup(ctx)
		return nil, backoff.Permanent(err)
	}
	version, err := iceberg.ParseVersion(baseKey)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	compression := next.Property(iceberg.PropMetadataCompression, tx.t.opts.Table.MetadataCompression)
	nextKey, created, err := iceberg.WriteMetadata(ctx, tx.t.store, next, version+1, compression)
	if err != nil {
		st.cleanup(ctx)
		return nil, err
	}
	if err := tx.t.committer.SwapMetadata(ctx, tx.t.ident, baseKey, nextKey); err != nil {
		if !failure.ConcurrentModification.Has(err) {
			return nil, fmt.Errorf("committing %s: %w", tx.t.ident, err)
		}
		// An identical document committed by another writer, or this
		// writer's own claim acknowledged as lost, may be what the pointer names.
		current, published, perr := tx.published(ctx, nextKey)
		switch {
		case perr != nil:
			tx.t.log.Warn("checking conflicting commit", zap.String("metadata", nextKey), zap.Error(perr))
			return nil, fmt.Errorf("committing %s: %w", tx.t.ident, err)
		case current:
			tx.t.log.Debug("pointer already names new metadata", zap.String("metadata", nextKey))
		case published:
			// committed and already superseded; its files belong to the table
			tx.owned = nil
			return nil, fmt.Errorf("committing %s: %w", tx.t.ident, err)
		default:
			if created {
				st.written = append(st.written, nextKey)
			}
			st.cleanup(ctx)
			return nil, fmt.Errorf("committing %s: %w", tx.t.ident, err)
		}
	}
	tx.t.set(next, nextKey)
	tx.owned = nil

	fields := []zap.Field{zap.String("metadata", nextKey)}
	if snap != nil {
		fields = append(fields,
			zap.Int64("snapshot", snap.SnapshotID),
			zap.String("operation", string(snap.Summary.Operation)),
			zap.Int64("added_files", snap.Summary.AddedDataFiles),
			zap.Int64("deleted_files", snap.Summary.DeletedDataFiles))
	}
	tx.t.log.Info("committed", fields...)
	mon.Counter("commits").Inc(1)
	return next, nil
}

// published reports whether key is the table's current metadata document, or
// was current before later commits moved the pointer on.
func (tx *Transaction) published(ctx context.Context, key string) (current, published bool, err error) {
	head, err := tx.t.committer.CurrentMetadata(ctx, tx.t.ident)
	if err != nil {
		return false, false, err
	}
	if head == key {
		return true, true, nil
	}
	md, err := iceberg.ReadMetadata(ctx, tx.t.store, head)
	if err != nil {
		return false, false, err
	}
	for _, e := range md.MetadataLog {
		if e.MetadataFile == key {
			return false, true, nil
		}
	}
	return false, false, nil
}
