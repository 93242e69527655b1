package table

import (
	"context"
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arctic-table/datafile"
	"arctic-table/expr"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/schema"
)

// Scan reads one snapshot of a table. Scans never move the current snapshot.
type Scan struct {
	t          *Table
	filter     expr.Expr
	snapshotID int64
	asOf       time.Time
	columns    []string
}

func (t *Table) NewScan() *Scan {
	return &Scan{t: t, filter: expr.AlwaysTrue()}
}

// WithFilter restricts the scan to matching rows. Repeated filters are
// combined with And.
func (s *Scan) WithFilter(f expr.Expr) *Scan {
	s.filter = expr.And(s.filter, f)
	return s
}

// AtSnapshot reads a past snapshot with the schema it was written under.
func (s *Scan) AtSnapshot(id int64) *Scan {
	s.snapshotID = id
	return s
}

// AsOf reads the snapshot that was current at ts. Resolution follows snapshot
// timestamps and is only as accurate as the writers' clocks.
func (s *Scan) AsOf(ts time.Time) *Scan {
	s.asOf = ts
	return s
}

// Select projects top-level columns by name.
func (s *Scan) Select(columns ...string) *Scan {
	s.columns = columns
	return s
}

// Plan is a resolved scan: the snapshot, the output schema and the files to
// read.
type Plan struct {
	// Snapshot is nil for a table without snapshots.
	Snapshot *iceberg.Snapshot
	// Schema is the projected schema rows are returned in.
	Schema *schema.Schema
	Files  []manifest.ScanFile
	Stats  manifest.PlanStats

	read    *schema.Schema
	filter  *expr.Bound
	columns []int
}

func (s *Scan) Plan(ctx context.Context) (_ *Plan, err error) {
	defer mon.Task()(&ctx)(&err)

	md := s.t.Metadata()
	p := &Plan{read: md.CurrentSchema()}
	switch {
	case s.snapshotID != iceberg.NoSnapshot:
		p.Snapshot, err = md.SnapshotByID(s.snapshotID)
	case !s.asOf.IsZero():
		p.Snapshot, err = md.SnapshotAsOf(s.asOf)
	default:
		p.Snapshot = md.CurrentSnapshot()
	}
	if err != nil {
		return nil, err
	}
	if p.Snapshot != nil && (s.snapshotID != iceberg.NoSnapshot || !s.asOf.IsZero()) {
		if p.read, err = md.SchemaByID(p.Snapshot.SchemaID); err != nil {
			return nil, err
		}
	}

	if p.filter, err = s.filter.Bind(p.read); err != nil {
		return nil, err
	}
	if p.Schema, err = p.read.Select(s.columns...); err != nil {
		return nil, err
	}
	if len(s.columns) > 0 {
		p.columns = p.Schema.FieldIDs()
		for _, id := range p.filter.FieldIDs() {
			if !slices.Contains(p.columns, id) {
				p.columns = append(p.columns, id)
			}
		}
	}
	if p.Snapshot == nil {
		return p, nil
	}

	manifests, err := iceberg.Manifests(ctx, s.t.store, p.Snapshot)
	if err != nil {
		return nil, err
	}
	planner := &manifest.Planner{
		Store:       s.t.store,
		Filter:      p.filter,
		Spec:        md.Spec(),
		Schema:      p.read,
		Parallelism: s.t.opts.Table.ReadParallelism,
	}
	if p.Files, p.Stats, err = planner.Plan(ctx, manifests); err != nil {
		return nil, err
	}
	s.t.log.Debug("planned scan",
		zap.Int64("snapshot", p.Snapshot.SnapshotID),
		zap.Int("files", len(p.Files)),
		zap.Int("files_skipped", p.Stats.FilesSkipped),
		zap.Int("manifests_skipped", p.Stats.ManifestsSkipped))
	return p, nil
}

// readFile returns the matching, projected rows of one planned file.
func (p *Plan) readFile(ctx context.Context, t *Table, f manifest.ScanFile) iter.Seq2[schema.Record, error] {
	opts := datafile.ReadOptions{Schema: p.read, Columns: p.columns, Filter: p.filter}
	return func(yield func(schema.Record, error) bool) {
		for rec, err := range datafile.Read(ctx, t.store, f.DataFile, opts) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !p.filter.IsAlwaysTrue() && !p.filter.Eval(rec) {
				continue
			}
			if p.columns != nil {
				for id := range rec {
					if _, ok := p.Schema.FindByID(id); !ok {
						delete(rec, id)
					}
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Rows streams the matching rows file by file in plan order.
func (s *Scan) Rows(ctx context.Context) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		p, err := s.Plan(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, f := range p.Files {
			for rec, err := range p.readFile(ctx, s.t, f) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// Result holds the rows of a scan and the schema they are in.
type Result struct {
	Snapshot *iceberg.Snapshot
	Schema   *schema.Schema
	Rows     []schema.Record
}

// ToRows reads every matching row. Files are read in parallel; rows come back
// in plan order, so repeated scans of a snapshot return identical results.
func (s *Scan) ToRows(ctx context.Context) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	p, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	perFile := make([][]schema.Record, len(p.Files))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(s.t.opts.Table.ReadParallelism, 1))
	for i, f := range p.Files {
		group.Go(func() error {
			for rec, err := range p.readFile(gctx, s.t, f) {
				if err != nil {
					return err
				}
				perFile[i] = append(perFile[i], rec)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := &Result{Snapshot: p.Snapshot, Schema: p.Schema}
	for _, rows := range perFile {
		out.Rows = append(out.Rows, rows...)
	}
	mon.IntVal("scan_rows").Observe(int64(len(out.Rows)))
	return out, nil
}

// ToMaps reads every matching row keyed by column name.
func (s *Scan) ToMaps(ctx context.Context) ([]map[string]any, error) {
	res, err := s.ToRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(res.Rows))
	for i, rec := range res.Rows {
		out[i] = rec.ToMap(res.Schema)
	}
	return out, nil
}
