package replication_test

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"arctic-table/catalog"
	"arctic-table/failure"
	"arctic-table/replication"
	"arctic-table/schema"
	"arctic-table/storage"
	"arctic-table/table"
)

const usersID = 16384

var users = table.Identifier{Namespace: "public", Name: "users"}

func relationMsg(id uint32, name string, extra ...*pglogrepl.RelationMessageColumn) *pglogrepl.RelationMessageV2 {
	cols := []*pglogrepl.RelationMessageColumn{
		{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
		{Name: "name", DataType: pgtype.TextOID},
		{Name: "score", DataType: pgtype.Float8OID},
	}
	cols = append(cols, extra...)
	return &pglogrepl.RelationMessageV2{RelationMessage: pglogrepl.RelationMessage{
		RelationID:   id,
		Namespace:    "public",
		RelationName: name,
		Columns:      cols,
		ColumnNum:    uint16(len(cols)),
	}}
}

// tuple builds text columns; nil is SQL NULL and toast{} an unchanged TOAST value.
func tuple(values ...any) *pglogrepl.TupleData {
	td := &pglogrepl.TupleData{ColumnNum: uint16(len(values))}
	for _, v := range values {
		switch v := v.(type) {
		case nil:
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull})
		case toast:
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast})
		case string:
			td.Columns = append(td.Columns, &pglogrepl.TupleDataColumn{
				DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(v)), Data: []byte(v),
			})
		}
	}
	return td
}

type toast struct{}

func begin(xid uint32) *pglogrepl.BeginMessage { return &pglogrepl.BeginMessage{Xid: xid} }

func commit(lsn pglogrepl.LSN) *pglogrepl.CommitMessage {
	return &pglogrepl.CommitMessage{CommitLSN: lsn, TransactionEndLSN: lsn + 8}
}

func insert(rel uint32, td *pglogrepl.TupleData) *pglogrepl.InsertMessageV2 {
	return &pglogrepl.InsertMessageV2{InsertMessage: pglogrepl.InsertMessage{RelationID: rel, Tuple: td}}
}

func update(rel uint32, oldType uint8, old, next *pglogrepl.TupleData) *pglogrepl.UpdateMessageV2 {
	return &pglogrepl.UpdateMessageV2{UpdateMessage: pglogrepl.UpdateMessage{
		RelationID: rel, OldTupleType: oldType, OldTuple: old, NewTuple: next,
	}}
}

func del(rel uint32, old *pglogrepl.TupleData) *pglogrepl.DeleteMessageV2 {
	return &pglogrepl.DeleteMessageV2{DeleteMessage: pglogrepl.DeleteMessage{
		RelationID: rel, OldTupleType: pglogrepl.UpdateMessageTupleTypeKey, OldTuple: old,
	}}
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	cat catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	opts := catalog.Options{Name: "test", Table: table.DefaultOptions()}
	return &fixture{
		t:   t,
		ctx: context.Background(),
		cat: catalog.NewStorageCatalog(zaptest.NewLogger(t), storage.NewMemoryStorage(), opts),
	}
}

func (f *fixture) applier(opts replication.ApplierOptions) *replication.Applier {
	return replication.NewApplier(zaptest.NewLogger(f.t), f.cat, opts)
}

func (f *fixture) handle(a *replication.Applier, msgs ...pglogrepl.Message) {
	for _, m := range msgs {
		require.NoError(f.t, a.Handle(f.ctx, m))
	}
}

func (f *fixture) names(ident table.Identifier) map[int64]any {
	tbl, err := f.cat.LoadTable(f.ctx, ident)
	require.NoError(f.t, err)
	rows, err := tbl.NewScan().ToMaps(f.ctx)
	require.NoError(f.t, err)
	out := map[int64]any{}
	for _, row := range rows {
		out[row["id"].(int64)] = row["name"]
	}
	return out
}

func (f *fixture) property(ident table.Identifier, key string) string {
	tbl, err := f.cat.LoadTable(f.ctx, ident)
	require.NoError(f.t, err)
	return tbl.Properties()[key]
}

func TestApplierCreatesTableAndAppliesTransactions(t *testing.T) {
	f := newFixture(t)
	a := f.applier(replication.ApplierOptions{})

	f.handle(a,
		relationMsg(usersID, "users"),
		begin(700),
		insert(usersID, tuple("1", "ada", "1.5")),
		insert(usersID, tuple("2", "bob", nil)),
		insert(usersID, tuple("3", "cy", "3")),
		commit(0x100),
	)

	tbl, err := f.cat.LoadTable(f.ctx, users)
	require.NoError(t, err)
	s := tbl.Schema()
	id, ok := s.Field("id")
	require.True(t, ok)
	require.True(t, id.Type.Equal(schema.Long))
	require.True(t, id.Required)
	require.Equal(t, []int{id.ID}, s.IdentifierFieldIDs)
	score, _ := s.Field("score")
	require.True(t, score.Type.Equal(schema.Double))
	require.Equal(t, "public.users", tbl.Properties()["replication.source"])

	require.Equal(t, map[int64]any{1: "ada", 2: "bob", 3: "cy"}, f.names(users))
	require.Equal(t, pglogrepl.LSN(0x100).String(), f.property(users, replication.PropLSN))
	require.Equal(t, pglogrepl.LSN(0x108), a.Applied())

	f.handle(a,
		begin(701),
		update(usersID, 0, nil, tuple("2", "bee", "2")),
		del(usersID, tuple("3", nil, nil)),
		insert(usersID, tuple("4", "dan", nil)),
		// inserted and deleted in the same transaction
		insert(usersID, tuple("5", "eve", nil)),
		del(usersID, tuple("5", nil, nil)),
		commit(0x200),
	)
	require.Equal(t, map[int64]any{1: "ada", 2: "bee", 4: "dan"}, f.names(users))
	require.Equal(t, pglogrepl.LSN(0x200).String(), f.property(users, replication.PropLSN))

	tbl, err = f.cat.LoadTable(f.ctx, users)
	require.NoError(t, err)
	require.Len(t, tbl.Snapshots(), 2, "one snapshot per source transaction")
}

func TestApplierSkipsAppliedTransactions(t *testing.T) {
	f := newFixture(t)
	f.handle(f.applier(replication.ApplierOptions{}),
		relationMsg(usersID, "users"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		commit(0x100),
	)

	// a restarted applier sees the stream again from an older position
	a := f.applier(replication.ApplierOptions{})
	f.handle(a,
		relationMsg(usersID, "users"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		commit(0x100),
		begin(2),
		insert(usersID, tuple("2", "bob", nil)),
		commit(0x180),
	)
	require.Equal(t, map[int64]any{1: "ada", 2: "bob"}, f.names(users))
}

func TestApplierEvolvesSchema(t *testing.T) {
	f := newFixture(t)
	a := f.applier(replication.ApplierOptions{})
	f.handle(a,
		relationMsg(usersID, "users"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		commit(0x100),
		relationMsg(usersID, "users", &pglogrepl.RelationMessageColumn{Name: "born", DataType: pgtype.DateOID}),
		begin(2),
		insert(usersID, tuple("2", "bob", nil, "1990-04-01")),
		commit(0x200),
	)

	tbl, err := f.cat.LoadTable(f.ctx, users)
	require.NoError(t, err)
	born, ok := tbl.Schema().Field("born")
	require.True(t, ok)
	require.True(t, born.Type.Equal(schema.Date))
	require.False(t, born.Required)

	rows, err := tbl.NewScan().ToMaps(f.ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row["id"] == int64(1) {
			require.Nil(t, row["born"])
		} else {
			require.NotNil(t, row["born"])
		}
	}
}

func TestApplierTruncate(t *testing.T) {
	f := newFixture(t)
	a := f.applier(replication.ApplierOptions{})
	f.handle(a,
		relationMsg(usersID, "users"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		insert(usersID, tuple("2", "bob", nil)),
		commit(0x100),
		begin(2),
		&pglogrepl.TruncateMessageV2{TruncateMessage: pglogrepl.TruncateMessage{RelationNum: 1, RelationIDs: []uint32{usersID}}},
		insert(usersID, tuple("3", "cy", nil)),
		commit(0x200),
	)
	require.Equal(t, map[int64]any{3: "cy"}, f.names(users))
}

func TestApplierToastedColumns(t *testing.T) {
	f := newFixture(t)
	a := f.applier(replication.ApplierOptions{})
	f.handle(a,
		relationMsg(usersID, "users"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		commit(0x100),
		begin(2),
		// the full old row fills in the unchanged value
		update(usersID, pglogrepl.UpdateMessageTupleTypeOld, tuple("1", "ada", nil), tuple("1", toast{}, "9")),
		commit(0x200),
	)
	require.Equal(t, map[int64]any{1: "ada"}, f.names(users))

	f.handle(a, begin(3))
	err := a.Handle(f.ctx, update(usersID, 0, nil, tuple("1", toast{}, "10")))
	require.True(t, failure.InvalidArgument.Has(err))
}

func TestApplierFiltersRelations(t *testing.T) {
	f := newFixture(t)
	a := f.applier(replication.ApplierOptions{Namespace: "mirror", Tables: []string{"public.users"}})
	f.handle(a,
		relationMsg(usersID, "users"),
		relationMsg(usersID+1, "audit"),
		begin(1),
		insert(usersID, tuple("1", "ada", nil)),
		insert(usersID+1, tuple("1", "login", nil)),
		commit(0x100),
	)

	mirrored := table.Identifier{Namespace: "mirror", Name: "users"}
	require.Equal(t, map[int64]any{1: "ada"}, f.names(mirrored))
	_, err := f.cat.LoadTable(f.ctx, table.Identifier{Namespace: "mirror", Name: "audit"})
	require.True(t, failure.NotFound.Has(err))

	err = a.Handle(f.ctx, insert(999, tuple("1")))
	require.True(t, failure.InvalidArgument.Has(err))
}

func TestTypeForOID(t *testing.T) {
	require.Equal(t, schema.Int, replication.TypeForOID(pgtype.Int2OID))
	require.Equal(t, schema.Int, replication.TypeForOID(pgtype.Int4OID))
	require.Equal(t, schema.Long, replication.TypeForOID(pgtype.Int8OID))
	require.Equal(t, schema.Float, replication.TypeForOID(pgtype.Float4OID))
	require.Equal(t, schema.Timestamp, replication.TypeForOID(pgtype.TimestamptzOID))
	require.Equal(t, schema.Binary, replication.TypeForOID(pgtype.ByteaOID))
	require.Equal(t, schema.String, replication.TypeForOID(pgtype.NumericOID))
	require.Equal(t, schema.String, replication.TypeForOID(pgtype.JSONBOID))
}
