package table

import (
	"context"

	"arctic-table/failure"
	"arctic-table/schema"
)

// SchemaUpdate collects schema changes by column name. Names are resolved to
// field IDs when the update is applied; commit retries replay the changes by
// field ID.
type SchemaUpdate struct {
	tx      *Transaction
	pending []func(s *schema.Schema) (schemaStep, error)
}

// UpdateSchema starts a schema change staged in this transaction.
func (tx *Transaction) UpdateSchema() *SchemaUpdate {
	return &SchemaUpdate{tx: tx}
}

func (u *SchemaUpdate) add(fn func(s *schema.Schema) (schemaStep, error)) *SchemaUpdate {
	u.pending = append(u.pending, fn)
	return u
}

func lookup(s *schema.Schema, path string) (schema.Field, error) {
	f, ok := s.FindByPath(path)
	if !ok {
		return schema.Field{}, failure.NotFound.New("column %q in schema %d", path, s.ID)
	}
	return f, nil
}

// AddColumn adds an optional top-level column.
func (u *SchemaUpdate) AddColumn(name string, typ schema.Type, doc string) *SchemaUpdate {
	return u.add(func(*schema.Schema) (schemaStep, error) {
		return func(m *schema.Manager) (*schema.Schema, error) { return m.AddField(name, typ, doc) }, nil
	})
}

// AddNestedColumn adds an optional field to the struct column at parent.
func (u *SchemaUpdate) AddNestedColumn(parent, name string, typ schema.Type, doc string) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		p, err := lookup(s, parent)
		if err != nil {
			return nil, err
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.AddNestedField(p.ID, name, typ, doc) }, nil
	})
}

func (u *SchemaUpdate) RenameColumn(path, name string) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		f, err := lookup(s, path)
		if err != nil {
			return nil, err
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.RenameField(f.ID, name) }, nil
	})
}

// DropColumn removes a column. Data files keep its values, which are no longer
// read.
func (u *SchemaUpdate) DropColumn(path string) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		f, err := lookup(s, path)
		if err != nil {
			return nil, err
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.DropField(f.ID) }, nil
	})
}

// WidenColumn promotes a column to a wider type.
func (u *SchemaUpdate) WidenColumn(path string, typ schema.Type) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		f, err := lookup(s, path)
		if err != nil {
			return nil, err
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.PromoteType(f.ID, typ) }, nil
	})
}

func (u *SchemaUpdate) UpdateDoc(path, doc string) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		f, err := lookup(s, path)
		if err != nil {
			return nil, err
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.UpdateDoc(f.ID, doc) }, nil
	})
}

func (u *SchemaUpdate) SetIdentifierFields(paths ...string) *SchemaUpdate {
	return u.add(func(s *schema.Schema) (schemaStep, error) {
		ids := make([]int, len(paths))
		for i, p := range paths {
			f, err := lookup(s, p)
			if err != nil {
				return nil, err
			}
			ids[i] = f.ID
		}
		return func(m *schema.Manager) (*schema.Schema, error) { return m.SetIdentifierFields(ids...) }, nil
	})
}

// Apply validates the changes against the transaction's staged schema and
// stages them. On error the transaction is left as it was.
func (u *SchemaUpdate) Apply() (*schema.Schema, error) {
	tx := u.tx
	if tx.err != nil {
		return nil, tx.err
	}
	m, err := schema.NewManager(tx.view.All(), tx.view.Current().ID, tx.view.LastColumnID())
	if err != nil {
		return nil, err
	}
	var steps []schemaStep
	for _, resolve := range u.pending {
		step, err := resolve(m.Current())
		if err != nil {
			return nil, err
		}
		if _, err := step(m); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	u.pending = nil
	tx.view = m
	tx.stage(&schemaOp{steps: steps}, false)
	return m.Current(), nil
}

// Commit applies the changes and commits the transaction.
func (u *SchemaUpdate) Commit(ctx context.Context) (*schema.Schema, error) {
	if _, err := u.Apply(); err != nil {
		return nil, err
	}
	md, err := u.tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return md.CurrentSchema(), nil
}
