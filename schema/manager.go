package schema

import (
	"sort"
	"sync"

	"arctic-table/failure"
)

// Manager tracks the schema versions of one table and derives new versions
// from the current one. Every evolution step returns a new Schema and makes it
// current in the manager; callers persist the result by committing it.
type Manager struct {
	schemas      map[int]*Schema // Maps schema ID to schema
	currentID    int
	lastColumnID int
	mu           sync.RWMutex
}

func NewManager(history []*Schema, currentID, lastColumnID int) (*Manager, error) {
	m := &Manager{
		schemas:      make(map[int]*Schema, len(history)),
		currentID:    currentID,
		lastColumnID: lastColumnID,
	}
	for _, s := range history {
		if _, dup := m.schemas[s.ID]; dup {
			return nil, failure.CorruptMetadata.New("duplicate schema id %d", s.ID)
		}
		m.schemas[s.ID] = s
		m.lastColumnID = max(m.lastColumnID, s.HighestFieldID())
	}
	if _, ok := m.schemas[currentID]; !ok {
		return nil, failure.CorruptMetadata.New("current schema %d not in history", currentID)
	}
	return m, nil
}

// Current returns the current schema.
func (m *Manager) Current() *Schema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schemas[m.currentID]
}

// Get returns schema by ID.
func (m *Manager) Get(id int) (*Schema, error) {
	m.mu.RLock()
	schema, exists := m.schemas[id]
	m.mu.RUnlock()

	if exists {
		return schema, nil
	}
	return nil, failure.NotFound.New("schema %d", id)
}

// All returns every known schema ordered by ID.
func (m *Manager) All() []*Schema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Schema, 0, len(m.schemas))
	for _, s := range m.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastColumnID is the highest field ID ever assigned. Dropped IDs stay below it
// and are never handed out again.
func (m *Manager) LastColumnID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastColumnID
}

// AddField appends an optional top-level column with the next unused field ID.
func (m *Manager) AddField(name string, typ Type, doc string) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		if name == "" {
			return lastID, failure.InvalidArgument.New("field without name")
		}
		if _, exists := s.Field(name); exists {
			return lastID, failure.AlreadyExists.New("column %q", name)
		}
		if typ.Kind == KindInvalid {
			return lastID, failure.InvalidArgument.New("column %q has no type", name)
		}
		f, last := assignIDs(Field{Name: name, Type: typ, Doc: doc}, lastID)
		s.Fields = append(s.Fields, f)
		return last, nil
	})
}

// AddNestedField adds an optional field to the struct column parentID.
func (m *Manager) AddNestedField(parentID int, name string, typ Type, doc string) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		parent, ok := s.FindByID(parentID)
		if !ok {
			return lastID, failure.NotFound.New("field %d", parentID)
		}
		if parent.Type.Kind != KindStruct {
			return lastID, failure.InvalidArgument.New("field %d is %s, not a struct", parentID, parent.Type)
		}
		for _, f := range parent.Type.Fields {
			if f.Name == name {
				return lastID, failure.AlreadyExists.New("column %s.%s", parent.Name, name)
			}
		}
		f, last := assignIDs(Field{Name: name, Type: typ, Doc: doc}, lastID)
		s.Fields = updateField(s.Fields, parentID, func(p Field) Field {
			fields := append(append([]Field(nil), p.Type.Fields...), f)
			p.Type = Type{Kind: KindStruct, Fields: fields}
			return p
		})
		return last, nil
	})
}

// DropField removes a column. Its ID is retired, not reused.
func (m *Manager) DropField(id int) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		if _, ok := s.FindByID(id); !ok {
			return lastID, failure.NotFound.New("field %d", id)
		}
		for _, ident := range s.IdentifierFieldIDs {
			if ident == id {
				return lastID, failure.InvalidArgument.New("field %d is an identifier field", id)
			}
		}
		fields, removed := removeField(s.Fields, id)
		if !removed {
			return lastID, failure.InvalidArgument.New("field %d is a list element and cannot be dropped", id)
		}
		if len(fields) == 0 {
			return lastID, failure.InvalidArgument.New("cannot drop the last column")
		}
		s.Fields = fields
		return lastID, nil
	})
}

// RenameField changes a column name. The ID and data stay the same.
func (m *Manager) RenameField(id int, name string) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		if name == "" {
			return lastID, failure.InvalidArgument.New("empty field name")
		}
		current, ok := s.FindByID(id)
		if !ok {
			return lastID, failure.NotFound.New("field %d", id)
		}
		if current.Name == name {
			return lastID, nil
		}
		if siblingHasName(s.Fields, id, name) {
			return lastID, failure.AlreadyExists.New("column %q", name)
		}
		s.Fields = updateField(s.Fields, id, func(f Field) Field {
			f.Name = name
			return f
		})
		return lastID, nil
	})
}

// PromoteType widens a primitive column. Anything outside the promotion table
// fails with failure.IncompatibleType.
func (m *Manager) PromoteType(id int, typ Type) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		current, ok := s.FindByID(id)
		if !ok {
			return lastID, failure.NotFound.New("field %d", id)
		}
		if !CanPromote(current.Type, typ) {
			return lastID, failure.IncompatibleType.New("field %d (%s): cannot change %s to %s", id, current.Name, current.Type, typ)
		}
		s.Fields = updateField(s.Fields, id, func(f Field) Field {
			f.Type = typ
			return f
		})
		return lastID, nil
	})
}

// UpdateDoc changes a column's documentation.
func (m *Manager) UpdateDoc(id int, doc string) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		if _, ok := s.FindByID(id); !ok {
			return lastID, failure.NotFound.New("field %d", id)
		}
		s.Fields = updateField(s.Fields, id, func(f Field) Field {
			f.Doc = doc
			return f
		})
		return lastID, nil
	})
}

// SetIdentifierFields marks the columns that identify a row.
func (m *Manager) SetIdentifierFields(ids ...int) (*Schema, error) {
	return m.evolve(func(s *Schema, lastID int) (int, error) {
		for _, id := range ids {
			f, ok := s.FindByID(id)
			if !ok {
				return lastID, failure.NotFound.New("field %d", id)
			}
			if !f.Type.IsPrimitive() {
				return lastID, failure.InvalidArgument.New("identifier field %d must be primitive", id)
			}
		}
		s.IdentifierFieldIDs = append([]int(nil), ids...)
		return lastID, nil
	})
}

// evolve applies fn to a copy of the current schema. An unchanged result keeps
// the current schema; otherwise the result gets the next schema ID.
func (m *Manager) evolve(fn func(s *Schema, lastID int) (int, error)) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.schemas[m.currentID]
	next := current.clone()
	lastID, err := fn(next, m.lastColumnID)
	if err != nil {
		return nil, err
	}
	if next.SameFields(current) {
		return current, nil
	}

	for _, existing := range m.schemas {
		if existing.SameFields(next) {
			m.currentID = existing.ID
			m.lastColumnID = lastID
			return existing, nil
		}
	}

	nextID := 0
	for id := range m.schemas {
		nextID = max(nextID, id+1)
	}
	next.ID = nextID
	m.schemas[next.ID] = next
	m.currentID = next.ID
	m.lastColumnID = lastID
	return next, nil
}

func updateField(fields []Field, id int, fn func(Field) Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		if f.ID == id {
			out[i] = fn(f)
			continue
		}
		switch f.Type.Kind {
		case KindStruct:
			f.Type = Type{Kind: KindStruct, Fields: updateField(f.Type.Fields, id, fn)}
		case KindList:
			if f.Type.Element != nil {
				elem := updateField([]Field{*f.Type.Element}, id, fn)[0]
				f.Type = Type{Kind: KindList, Element: &elem}
			}
		}
		out[i] = f
	}
	return out
}

func removeField(fields []Field, id int) ([]Field, bool) {
	out := make([]Field, 0, len(fields))
	removed := false
	for _, f := range fields {
		if f.ID == id {
			removed = true
			continue
		}
		if f.Type.Kind == KindStruct {
			children, ok := removeField(f.Type.Fields, id)
			if ok {
				removed = true
				f.Type = Type{Kind: KindStruct, Fields: children}
			}
		}
		out = append(out, f)
	}
	return out, removed
}

func siblingHasName(fields []Field, id int, name string) bool {
	for _, f := range fields {
		if f.ID == id {
			for _, sibling := range fields {
				if sibling.ID != id && sibling.Name == name {
					return true
				}
			}
			return false
		}
		if f.Type.Kind == KindStruct && siblingHasName(f.Type.Fields, id, name) {
			return true
		}
	}
	return false
}
