// Package failure defines the error classes shared by every layer of the table
// engine. Callers check membership with the class Has method, for example
// failure.ConcurrentModification.Has(err).
package failure

import (
	"github.com/zeebo/errs"
)

var (
	// IO is a transient or permanent storage failure.
	IO = errs.Class("io")
	// NotFound is a missing key, table, namespace or snapshot.
	NotFound = errs.Class("not found")
	// AlreadyExists is returned when creating something that exists.
	AlreadyExists = errs.Class("already exists")
	// SchemaMismatch is a row or value that does not fit the bound schema.
	SchemaMismatch = errs.Class("schema mismatch")
	// IncompatibleType is a schema evolution step that violates the promotion rules.
	IncompatibleType = errs.Class("incompatible type")
	// ConcurrentModification is an optimistic commit that lost a race.
	ConcurrentModification = errs.Class("concurrent modification")
	// CorruptMetadata is a metadata document that fails structural validation.
	CorruptMetadata = errs.Class("corrupt metadata")
	// InvalidArgument is a malformed request.
	InvalidArgument = errs.Class("invalid argument")
)

// Retryable reports whether an automatic retry wrapper may safely resubmit the
// operation that produced err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return IO.Has(err) || ConcurrentModification.Has(err)
}
