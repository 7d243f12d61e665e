// Package types implements the bus's type-hierarchy oracle: supertype and
// array-type lookups memoized permanently for the lifetime of the process.
package types

import (
	"reflect"
	"sync"
)

// Type is the runtime type identity used as a dispatch key. Two Types compare
// equal iff they describe the same reflect.Type, so a Type is safe to use as
// a map key.
type Type struct {
	rt reflect.Type
}

// Of returns the Type describing v's runtime type. A nil v yields the zero
// Type.
func Of(v any) Type {
	if v == nil {
		return Type{}
	}
	return Type{rt: reflect.TypeOf(v)}
}

// OfReflect wraps an already-resolved reflect.Type.
func OfReflect(rt reflect.Type) Type {
	return Type{rt: rt}
}

// Reflect exposes the underlying reflect.Type.
func (t Type) Reflect() reflect.Type { return t.rt }

// Valid reports whether t describes a concrete type.
func (t Type) Valid() bool { return t.rt != nil }

// IsArray reports whether t is a slice or array type (the bus treats both as
// "array-of" for varArg purposes).
func (t Type) IsArray() bool {
	return t.rt != nil && (t.rt.Kind() == reflect.Slice || t.rt.Kind() == reflect.Array)
}

// Elem returns the element type of an array/slice Type. Panics if t is not an
// array type; callers must check IsArray first.
func (t Type) Elem() Type {
	return Type{rt: t.rt.Elem()}
}

// String renders a human-readable type name, for logs and error messages.
func (t Type) String() string {
	if t.rt == nil {
		return "<nil>"
	}
	return t.rt.String()
}

// Oracle answers supertype and array-type questions for runtime types. Its
// results are permanently memoized: the type graph of a running process never
// changes, so cached answers never go stale and are never evicted.
type Oracle struct {
	supers sync.Map // Type -> []Type
	arrays sync.Map // Type -> Type
}

// NewOracle constructs an empty, ready-to-use Oracle.
func NewOracle() *Oracle {
	return &Oracle{}
}

// SuperTypes returns every proper supertype reachable from t by interface
// implementation and, for struct types, embedded-field promotion — in a
// deterministic breadth-first, deduplicated order. The result is empty for
// root types (types with no supertype the oracle can determine). Go has no
// single-rooted class hierarchy, so "supertype" here means: every interface
// type registered with InterfaceCatalog.Register that t's type implements,
// plus (for structs) the types of embedded fields, applied transitively,
// plus (for slices) the slices of the element type's supertypes.
func (o *Oracle) SuperTypes(t Type, catalog *InterfaceCatalog) []Type {
	if cached, ok := o.supers.Load(t); ok {
		return cached.([]Type)
	}
	result := computeSuperTypes(t, catalog)
	actual, _ := o.supers.LoadOrStore(t, result)
	return actual.([]Type)
}

// ArrayOf returns (and memoizes) the Type describing a slice of t, i.e. []T.
func (o *Oracle) ArrayOf(t Type) Type {
	if cached, ok := o.arrays.Load(t); ok {
		return cached.(Type)
	}
	arr := Type{rt: reflect.SliceOf(t.rt)}
	actual, _ := o.arrays.LoadOrStore(t, arr)
	return actual.(Type)
}

func computeSuperTypes(t Type, catalog *InterfaceCatalog) []Type {
	if !t.Valid() {
		return nil
	}
	seen := make(map[Type]struct{})
	var order []Type
	queue := []Type{t}

	add := func(candidate Type) {
		if candidate == t {
			return
		}
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		order = append(order, candidate)
		queue = append(queue, candidate)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if catalog != nil {
			for _, iface := range catalog.Implemented(cur) {
				add(iface)
			}
		}
		switch {
		case cur.rt != nil && cur.rt.Kind() == reflect.Struct:
			for i := 0; i < cur.rt.NumField(); i++ {
				field := cur.rt.Field(i)
				if !field.Anonymous {
					continue
				}
				add(Type{rt: field.Type})
			}
		case cur.rt != nil && cur.rt.Kind() == reflect.Slice:
			// A slice's supertypes are slices of its element's supertypes
			// (varArgSuper needs superTypes([]Derived) to reach []Base so a
			// handler declared []Base with acceptsSubtypes matches a
			// published []Derived).
			elem := Type{rt: cur.rt.Elem()}
			for _, elemSuper := range computeSuperTypes(elem, catalog) {
				add(Type{rt: reflect.SliceOf(elemSuper.rt)})
			}
		}
	}
	return order
}

// InterfaceCatalog declares, ahead of time, which interface types a concrete
// listener package cares about for subtype dispatch. Go's reflect package
// cannot enumerate "all interfaces implemented by T" on its own; callers
// register the interfaces they use as handler parameter types once at
// startup, and the oracle checks implementation against that fixed set. This
// keeps SuperTypes deterministic and cheap instead of scanning every type
// ever loaded into the binary.
type InterfaceCatalog struct {
	mu         sync.RWMutex
	interfaces []Type
	cache      sync.Map // Type -> []Type
}

// NewInterfaceCatalog constructs an empty catalog.
func NewInterfaceCatalog() *InterfaceCatalog {
	return &InterfaceCatalog{}
}

// Register adds an interface type to the catalog. ifaceExample must be a nil
// pointer of interface kind, e.g. (*io.Reader)(nil).
func (c *InterfaceCatalog) Register(ifaceExample any) {
	rt := reflect.TypeOf(ifaceExample)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Interface {
		return
	}
	iface := Type{rt: rt.Elem()}
	c.mu.Lock()
	for _, existing := range c.interfaces {
		if existing == iface {
			c.mu.Unlock()
			return
		}
	}
	c.interfaces = append(c.interfaces, iface)
	c.mu.Unlock()
	c.cache = sync.Map{}
}

// Implemented returns every registered interface Type that t implements.
func (c *InterfaceCatalog) Implemented(t Type) []Type {
	if cached, ok := c.cache.Load(t); ok {
		return cached.([]Type)
	}
	c.mu.RLock()
	candidates := append([]Type(nil), c.interfaces...)
	c.mu.RUnlock()

	var matched []Type
	if t.rt != nil {
		for _, iface := range candidates {
			if t.rt.Implements(iface.rt) {
				matched = append(matched, iface)
			}
		}
	}
	actual, _ := c.cache.LoadOrStore(t, matched)
	return actual.([]Type)
}
