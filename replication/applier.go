package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"

	"arctic-table/catalog"
	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/schema"
	"arctic-table/table"
)

// PropLSN is the table property holding the commit LSN of the last source
// transaction applied to the table.
const PropLSN = "replication.lsn"

const keyColumnFlag = 1

// Applier turns a decoded pgoutput stream into table transactions. Each source
// transaction becomes one commit per table it touched; the commit also records
// the source commit LSN, so a transaction replayed after a restart is skipped.
type Applier struct {
	log       *zap.Logger
	cat       catalog.Catalog
	namespace string
	include   map[string]bool
	dec       *decoder

	relations map[uint32]*relation
	tx        *sourceTx
	applied   pglogrepl.LSN
}

type relation struct {
	msg   *pglogrepl.RelationMessage
	ident table.Identifier
	tbl   *table.Table
	// lsn is the last commit LSN applied to tbl.
	lsn pglogrepl.LSN
}

type sourceTx struct {
	xid     uint32
	order   []uint32
	changes map[uint32]*changes
}

type changes struct {
	truncate bool
	deletes  []expr.Expr
	inserts  []schema.Record
}

// ApplierOptions select what is replicated and where it lands.
type ApplierOptions struct {
	// Namespace receives every table; empty uses the source schema name.
	Namespace string
	// Tables limits replication to "schema.table" names; empty replicates
	// everything the publication sends.
	Tables []string
}

func NewApplier(log *zap.Logger, cat catalog.Catalog, opts ApplierOptions) *Applier {
	a := &Applier{
		log:       log,
		cat:       cat,
		namespace: opts.Namespace,
		dec:       newDecoder(),
		relations: map[uint32]*relation{},
	}
	if len(opts.Tables) > 0 {
		a.include = map[string]bool{}
		for _, name := range opts.Tables {
			a.include[name] = true
		}
	}
	return a
}

// Applied returns the LSN up to which the source may discard WAL: the end of
// the last transaction committed to every table it touched.
func (a *Applier) Applied() pglogrepl.LSN { return a.applied }

// Reset drops a partially received source transaction. The server resends it
// after a reconnect.
func (a *Applier) Reset() {
	if a.tx != nil {
		a.log.Debug("dropping partial transaction", zap.Uint32("xid", a.tx.xid))
	}
	a.tx = nil
}

// Handle applies one logical replication message.
func (a *Applier) Handle(ctx context.Context, msg pglogrepl.Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	switch m := msg.(type) {
	case *pglogrepl.RelationMessageV2:
		return a.relation(ctx, &m.RelationMessage)
	case *pglogrepl.RelationMessage:
		return a.relation(ctx, m)

	case *pglogrepl.BeginMessage:
		if a.tx != nil {
			return failure.InvalidArgument.New("begin of xid %d inside xid %d", m.Xid, a.tx.xid)
		}
		a.tx = &sourceTx{xid: m.Xid, changes: map[uint32]*changes{}}
		return nil

	case *pglogrepl.CommitMessage:
		return a.commit(ctx, m.CommitLSN, m.TransactionEndLSN)

	case *pglogrepl.InsertMessageV2:
		return a.insert(m.RelationID, m.Tuple)
	case *pglogrepl.InsertMessage:
		return a.insert(m.RelationID, m.Tuple)
	case *pglogrepl.UpdateMessageV2:
		return a.update(&m.UpdateMessage)
	case *pglogrepl.UpdateMessage:
		return a.update(m)
	case *pglogrepl.DeleteMessageV2:
		return a.delete(&m.DeleteMessage)
	case *pglogrepl.DeleteMessage:
		return a.delete(m)
	case *pglogrepl.TruncateMessageV2:
		return a.truncate(m.RelationIDs)
	case *pglogrepl.TruncateMessage:
		return a.truncate(m.RelationIDs)

	case *pglogrepl.TypeMessageV2, *pglogrepl.TypeMessage, *pglogrepl.OriginMessage,
		*pglogrepl.LogicalDecodingMessageV2, *pglogrepl.LogicalDecodingMessage:
		return nil
	}
	return failure.InvalidArgument.New("unsupported replication message %s", msg.Type())
}

func (a *Applier) name(m *pglogrepl.RelationMessage) string {
	return m.Namespace + "." + m.RelationName
}

// relation binds a source relation to its table, creating the table or adding
// columns it lacks. Relation messages repeat whenever the source table changes.
func (a *Applier) relation(ctx context.Context, m *pglogrepl.RelationMessage) error {
	if a.include != nil && !a.include[a.name(m)] {
		a.relations[m.RelationID] = &relation{msg: m}
		return nil
	}
	ident := table.Identifier{Namespace: a.namespace, Name: m.RelationName}
	if ident.Namespace == "" {
		ident.Namespace = m.Namespace
	}

	rel, ok := a.relations[m.RelationID]
	if !ok || rel.tbl == nil || rel.ident != ident {
		tbl, err := a.cat.LoadTable(ctx, ident)
		if failure.NotFound.Has(err) {
			tbl, err = a.create(ctx, ident, m)
		}
		if err != nil {
			return err
		}
		rel = &relation{ident: ident, tbl: tbl}
		if v, ok := tbl.Properties()[PropLSN]; ok {
			lsn, err := pglogrepl.ParseLSN(v)
			if err != nil {
				return failure.CorruptMetadata.New("table %s: %s=%q: %v", ident, PropLSN, v, err)
			}
			rel.lsn = lsn
		}
	}
	rel.msg = m
	a.relations[m.RelationID] = rel
	return a.evolve(ctx, rel)
}

func (a *Applier) create(ctx context.Context, ident table.Identifier, m *pglogrepl.RelationMessage) (*table.Table, error) {
	if err := a.cat.CreateNamespace(ctx, ident.Namespace, nil); err != nil && !failure.AlreadyExists.Has(err) {
		return nil, err
	}
	fields := make([]schema.Field, 0, len(m.Columns))
	for _, col := range m.Columns {
		fields = append(fields, schema.Field{
			Name:     col.Name,
			Type:     TypeForOID(col.DataType),
			Required: col.Flags&keyColumnFlag != 0,
		})
	}
	s, _, err := schema.New(0, 0, fields...)
	if err != nil {
		return nil, err
	}
	for _, col := range m.Columns {
		if col.Flags&keyColumnFlag != 0 {
			f, _ := s.Field(col.Name)
			s.IdentifierFieldIDs = append(s.IdentifierFieldIDs, f.ID)
		}
	}
	tbl, err := a.cat.CreateTable(ctx, ident, s, nil, map[string]string{"replication.source": a.name(m)})
	if failure.AlreadyExists.Has(err) {
		return a.cat.LoadTable(ctx, ident)
	}
	if err != nil {
		return nil, err
	}
	a.log.Info("created replicated table", zap.Stringer("table", ident), zap.String("source", a.name(m)))
	return tbl, nil
}

// evolve adds columns the table lacks and widens columns the source widened.
// Columns dropped at the source stay in the table and read as null.
func (a *Applier) evolve(ctx context.Context, rel *relation) error {
	current := rel.tbl.Schema()
	update := rel.tbl.UpdateSchema()
	changed := false
	for _, col := range rel.msg.Columns {
		typ := TypeForOID(col.DataType)
		f, ok := current.Field(col.Name)
		switch {
		case !ok:
			update.AddColumn(col.Name, typ, "")
			changed = true
		case !f.Type.Equal(typ):
			update.WidenColumn(col.Name, typ)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	s, err := update.Commit(ctx)
	if err != nil {
		return fmt.Errorf("evolving %s: %w", rel.ident, err)
	}
	a.log.Info("evolved replicated table", zap.Stringer("table", rel.ident), zap.Int("schema", s.ID))
	return nil
}

func (a *Applier) lookup(id uint32) (*relation, *changes, error) {
	rel, ok := a.relations[id]
	if !ok {
		return nil, nil, failure.InvalidArgument.New("unknown relation id %d", id)
	}
	if rel.tbl == nil {
		return nil, nil, nil
	}
	if a.tx == nil {
		return nil, nil, failure.InvalidArgument.New("change for %s outside a transaction", a.name(rel.msg))
	}
	ch, ok := a.tx.changes[id]
	if !ok {
		ch = &changes{}
		a.tx.changes[id] = ch
		a.tx.order = append(a.tx.order, id)
	}
	return rel, ch, nil
}

// record decodes a tuple. Unchanged TOAST columns are taken from prev when it
// carries them.
func (a *Applier) record(rel *relation, tuple, prev *pglogrepl.TupleData) (schema.Record, error) {
	if tuple == nil || len(tuple.Columns) != len(rel.msg.Columns) {
		return nil, failure.InvalidArgument.New("tuple for %s does not match its relation", a.name(rel.msg))
	}
	s := rel.tbl.Schema()
	rec := schema.Record{}
	for i, col := range rel.msg.Columns {
		f, ok := s.Field(col.Name)
		if !ok {
			return nil, failure.SchemaMismatch.New("column %s missing from %s", col.Name, rel.ident)
		}
		v, ok, err := a.dec.value(f.Type, col.DataType, tuple.Columns[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if !ok && prev != nil && i < len(prev.Columns) {
			v, ok, err = a.dec.value(f.Type, col.DataType, prev.Columns[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
		}
		if !ok {
			return nil, failure.InvalidArgument.New("column %s of %s is an unchanged TOAST value; use REPLICA IDENTITY FULL", col.Name, a.name(rel.msg))
		}
		if v != nil {
			rec[f.ID] = v
		}
	}
	return rec, nil
}

// identity builds the filter selecting the row a tuple identifies: its key
// columns, or every column the tuple carries when the relation has no key.
func (a *Applier) identity(rel *relation, tuple *pglogrepl.TupleData) (expr.Expr, error) {
	if tuple == nil || len(tuple.Columns) != len(rel.msg.Columns) {
		return expr.Expr{}, failure.InvalidArgument.New("identity tuple for %s does not match its relation", a.name(rel.msg))
	}
	keyed := false
	for _, col := range rel.msg.Columns {
		keyed = keyed || col.Flags&keyColumnFlag != 0
	}
	s := rel.tbl.Schema()
	var conds []expr.Expr
	for i, col := range rel.msg.Columns {
		if keyed && col.Flags&keyColumnFlag == 0 {
			continue
		}
		f, ok := s.Field(col.Name)
		if !ok {
			return expr.Expr{}, failure.SchemaMismatch.New("column %s missing from %s", col.Name, rel.ident)
		}
		v, ok, err := a.dec.value(f.Type, col.DataType, tuple.Columns[i])
		if err != nil {
			return expr.Expr{}, fmt.Errorf("column %s: %w", col.Name, err)
		}
		switch {
		case !ok:
			continue
		case v == nil:
			conds = append(conds, expr.IsNull(col.Name))
		default:
			conds = append(conds, expr.Equal(col.Name, v))
		}
	}
	if len(conds) == 0 {
		return expr.Expr{}, failure.InvalidArgument.New("%s has no replica identity", a.name(rel.msg))
	}
	return expr.And(conds...), nil
}

func (a *Applier) insert(id uint32, tuple *pglogrepl.TupleData) error {
	rel, ch, err := a.lookup(id)
	if err != nil || rel == nil {
		return err
	}
	rec, err := a.record(rel, tuple, nil)
	if err != nil {
		return err
	}
	ch.inserts = append(ch.inserts, rec)
	return nil
}

func (a *Applier) update(m *pglogrepl.UpdateMessage) error {
	rel, ch, err := a.lookup(m.RelationID)
	if err != nil || rel == nil {
		return err
	}
	// without an old tuple the key did not change
	old := m.OldTuple
	if old == nil {
		old = m.NewTuple
	}
	filter, err := a.identity(rel, old)
	if err != nil {
		return err
	}
	var prev *pglogrepl.TupleData
	if m.OldTupleType == pglogrepl.UpdateMessageTupleTypeOld {
		prev = m.OldTuple
	}
	rec, err := a.record(rel, m.NewTuple, prev)
	if err != nil {
		return err
	}
	if err := ch.remove(rel.tbl.Schema(), filter); err != nil {
		return err
	}
	ch.inserts = append(ch.inserts, rec)
	return nil
}

func (a *Applier) delete(m *pglogrepl.DeleteMessage) error {
	rel, ch, err := a.lookup(m.RelationID)
	if err != nil || rel == nil {
		return err
	}
	filter, err := a.identity(rel, m.OldTuple)
	if err != nil {
		return err
	}
	return ch.remove(rel.tbl.Schema(), filter)
}

func (a *Applier) truncate(ids []uint32) error {
	for _, id := range ids {
		rel, ch, err := a.lookup(id)
		if err != nil {
			return err
		}
		if rel == nil {
			continue
		}
		*ch = changes{truncate: true}
	}
	return nil
}

// remove drops buffered inserts matching filter and schedules the delete of
// committed rows matching it.
func (ch *changes) remove(s *schema.Schema, filter expr.Expr) error {
	bound, err := filter.Bind(s)
	if err != nil {
		return err
	}
	kept := ch.inserts[:0]
	for _, rec := range ch.inserts {
		if !bound.Eval(rec) {
			kept = append(kept, rec)
		}
	}
	ch.inserts = kept
	ch.deletes = append(ch.deletes, filter)
	return nil
}

func (a *Applier) commit(ctx context.Context, commitLSN, endLSN pglogrepl.LSN) error {
	if a.tx == nil {
		return failure.InvalidArgument.New("commit at %s without begin", commitLSN)
	}
	stx := a.tx
	a.tx = nil

	for _, id := range stx.order {
		rel, ch := a.relations[id], stx.changes[id]
		if rel.lsn >= commitLSN {
			a.log.Debug("skipping applied transaction",
				zap.Stringer("table", rel.ident), zap.Uint32("xid", stx.xid), zap.Stringer("lsn", commitLSN))
			continue
		}
		if err := a.apply(ctx, rel, ch, commitLSN); err != nil {
			return fmt.Errorf("applying xid %d to %s: %w", stx.xid, rel.ident, err)
		}
		rel.lsn = commitLSN
	}
	a.applied = max(a.applied, endLSN)
	return nil
}

func (a *Applier) apply(ctx context.Context, rel *relation, ch *changes, lsn pglogrepl.LSN) error {
	tx := rel.tbl.NewTransaction()
	switch {
	case ch.truncate:
		tx.Delete(expr.AlwaysTrue())
	case len(ch.deletes) > 0:
		tx.Delete(expr.Or(ch.deletes...))
	}
	if len(ch.inserts) > 0 {
		if err := tx.AppendRows(ctx, ch.inserts); err != nil {
			return err
		}
	}
	tx.SetProperties(map[string]string{PropLSN: lsn.String()})
	md, err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Stringer("table", rel.ident),
		zap.Stringer("lsn", lsn),
		zap.Int("inserts", len(ch.inserts)),
		zap.Int("deletes", len(ch.deletes)),
	}
	if snap := md.CurrentSnapshot(); snap != nil {
		fields = append(fields, zap.Int64("snapshot", snap.SnapshotID))
	}
	a.log.Debug("applied source transaction", fields...)
	return nil
}
