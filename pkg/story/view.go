package story

import (
	"fmt"
	"reflect"
	"sync"
)

// ErrUnknownField is returned by View.Set when the field name is not
// declared by the view's struct. This is the deterministic-failure
// requirement from the data model invariants: a sub-view must reject
// writes to names it doesn't own rather than silently accepting them.
type ErrUnknownField struct {
	View  string
	Field string
}

func (e *ErrUnknownField) Error() string {
	return fmt.Sprintf("story: view %s has no field %q", e.View, e.Field)
}

// ErrViewClosed is returned by View.Set after Close has already run.
type ErrViewClosed struct {
	View string
}

func (e *ErrViewClosed) Error() string {
	return fmt.Sprintf("story: view %s already closed", e.View)
}

var fieldNameCache sync.Map // reflect.Type -> map[string]struct{}

func fieldNames(t reflect.Type) map[string]struct{} {
	if cached, ok := fieldNameCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		names[f.Name] = struct{}{}
	}
	actual, _ := fieldNameCache.LoadOrStore(t, names)
	return actual.(map[string]struct{})
}

// View is a scoped mutation handle onto one Story sub-view. It exists
// so that callers never touch the underlying struct directly: every
// write passes through Set, which validates the field name against the
// view's declared schema, and every scope exit passes through Close,
// which commits the write-back hook exactly once.
//
// The handle is not safe for concurrent use; a Story is owned by
// exactly one worker at a time (see the data model's ownership
// invariant), so this mirrors that single-owner contract.
type View[T any] struct {
	target  *T
	onClose func()
	wrote   bool
	closed  bool
	kind    reflect.Type
}

func newView[T any](target *T, onClose func()) *View[T] {
	return &View[T]{target: target, onClose: onClose, kind: reflect.TypeOf(*target)}
}

// Get returns a copy of the view's current value. Valid before or
// after Close.
func (v *View[T]) Get() T {
	return *v.target
}

// Set assigns value to the named field. It fails deterministically if
// name is not a field declared on the view's struct, or if value is
// not assignable to the field's type.
func (v *View[T]) Set(name string, value any) error {
	if v.closed {
		return &ErrViewClosed{View: v.kind.Name()}
	}
	names := fieldNames(v.kind)
	if _, ok := names[name]; !ok {
		return &ErrUnknownField{View: v.kind.Name(), Field: name}
	}
	rv := reflect.ValueOf(v.target).Elem().FieldByName(name)
	val := reflect.ValueOf(value)
	if !val.Type().AssignableTo(rv.Type()) {
		if val.Type().ConvertibleTo(rv.Type()) {
			val = val.Convert(rv.Type())
		} else {
			return fmt.Errorf("story: field %s.%s: cannot assign %s to %s",
				v.kind.Name(), name, val.Type(), rv.Type())
		}
	}
	rv.Set(val)
	v.wrote = true
	return nil
}

// Close ends the mutation scope. If any field was written since the
// view was acquired, the view is marked dirty and the write-back hook
// (a no-op for the in-process default implementation, beyond the write
// itself already having happened) runs exactly once. Close is
// idempotent.
func (v *View[T]) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if v.wrote && v.onClose != nil {
		v.onClose()
	}
	return nil
}
