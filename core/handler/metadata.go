// Package handler defines the immutable per-(listener-class, method) handler
// metadata the registry and dispatch core operate on, and the external
// collaborator interface (MetadataProvider) that produces it. Annotation
// scanning itself is out of scope for the core — this package consumes
// whatever a listener chooses to expose through the Listener interface and
// treats it as opaque, reflecting just enough to learn arity, parameter
// types, and an invoker.
package handler

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unsafe"

	"github.com/coachpo/busline/core/types"
)

// Kind tags the arity variant a Metadata belongs to. Subscription and the
// dispatch core branch on arity, not on Kind directly, but Kind keeps the
// variant explicit at construction and in logs.
type Kind int

const (
	// KindUnary is a single-parameter handler, e.g. func(Order).
	KindUnary Kind = iota
	// KindBinary is a two-parameter handler.
	KindBinary
	// KindTernary is a three-parameter handler.
	KindTernary
	// KindTuple is a four-or-more fixed-parameter handler.
	KindTuple
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindBinary:
		return "binary"
	case KindTernary:
		return "ternary"
	case KindTuple:
		return "tuple"
	default:
		return "unknown"
	}
}

func kindForArity(arity int) Kind {
	switch arity {
	case 1:
		return KindUnary
	case 2:
		return KindBinary
	case 3:
		return KindTernary
	default:
		return KindTuple
	}
}

// Metadata is the immutable description of one handler method, shared by
// every Subscription over every listener instance of the owning class.
type Metadata struct {
	ListenerType    reflect.Type
	MethodName      string
	Kind            Kind
	ParamTypes      []types.Type
	AcceptsSubtypes bool
	AcceptsVarArgs  bool
}

// Arity is the handler's declared parameter count.
func (m Metadata) Arity() int { return len(m.ParamTypes) }

// IsArrayParam reports whether this is a single-parameter handler whose
// declared parameter is itself an array/slice type — the shape
// acceptsVarArgs applies to.
func (m Metadata) IsArrayParam() bool {
	return m.Arity() == 1 && m.ParamTypes[0].IsArray()
}

// Invoke applies the handler to a listener instance with the given argument
// tuple. Panics raised inside the handler are recovered and returned as an
// error — the dispatch core never lets a misbehaving handler take down the
// caller or a worker goroutine.
func (m Metadata) Invoke(listener any, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s.%s panicked: %v", m.ListenerType, m.MethodName, r)
		}
	}()

	rv := reflect.ValueOf(listener)
	method := rv.MethodByName(m.MethodName)
	if !method.IsValid() {
		return fmt.Errorf("handler: method %s not found on %T", m.MethodName, listener)
	}
	mt := method.Type()
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v := reflect.ValueOf(a)
		// A struct published to a handler declared over one of its embedded
		// types (the oracle's supertype relation for structs) is delivered
		// as that embedded value, read from a private copy of the struct.
		if i < mt.NumIn() && v.Kind() == reflect.Struct && !v.Type().AssignableTo(mt.In(i)) {
			if f, ok := v.Type().FieldByName(mt.In(i).Name()); ok && f.Anonymous && f.Type == mt.In(i) {
				cp := reflect.New(v.Type()).Elem()
				cp.Set(v)
				v = reflect.NewAt(f.Type, unsafe.Pointer(cp.FieldByIndex(f.Index).UnsafeAddr())).Elem()
			}
		}
		in[i] = v
	}
	results := method.Call(in)
	for _, r := range results {
		if errVal, ok := r.Interface().(error); ok && errVal != nil {
			return errVal
		}
	}
	return nil
}

// HandlerSpec is what a Listener exposes per handler method: a bound method
// value plus the two consent flags the registry and dispatch core need.
// Func must be a method value obtained from a concrete listener instance,
// e.g. `listener.OnOrder` — reflection is used only once per listener class
// to learn the method's name and declared signature; every later invocation
// resolves the method afresh against whichever instance is being delivered
// to, so one Metadata serves every subscribed instance of the class.
type HandlerSpec struct {
	Func            any
	AcceptsSubtypes bool
	AcceptsVarArgs  bool
}

// Listener is implemented by any type that wants to receive bus
// publications. BusHandlers is called once, against a representative
// instance, the first time the bus sees the listener's concrete type.
type Listener interface {
	BusHandlers() []HandlerSpec
}

// MetadataProvider is the external collaborator (spec §6) that turns a
// listener instance into its handler metadata. The default
// ReflectProvider below is a convenience implementation; the core consumes
// MetadataProvider as an opaque interface and never looks past it.
type MetadataProvider interface {
	// HandlersOf returns one Metadata per effective handler on listener's
	// concrete type, or an empty slice if the type has no handlers.
	HandlersOf(listener any) ([]Metadata, error)
}

// ReflectProvider implements MetadataProvider by calling BusHandlers on
// listeners that implement Listener. Listeners that don't implement it are
// reported as having no handlers (the registry then marks the class as a
// non-listener and short-circuits future subscribe/unsubscribe calls).
type ReflectProvider struct{}

// HandlersOf implements MetadataProvider.
func (ReflectProvider) HandlersOf(listener any) ([]Metadata, error) {
	l, ok := listener.(Listener)
	if !ok {
		return nil, nil
	}
	specs := l.BusHandlers()
	if len(specs) == 0 {
		return nil, nil
	}
	listenerType := reflect.TypeOf(listener)
	out := make([]Metadata, 0, len(specs))
	for i, spec := range specs {
		md, err := buildMetadata(listenerType, spec)
		if err != nil {
			return nil, fmt.Errorf("handler[%d] on %s: %w", i, listenerType, err)
		}
		out = append(out, md)
	}
	return out, nil
}

func buildMetadata(listenerType reflect.Type, spec HandlerSpec) (Metadata, error) {
	name, err := methodNameOf(spec.Func)
	if err != nil {
		return Metadata{}, err
	}

	fnVal := reflect.ValueOf(spec.Func)
	if fnVal.Kind() != reflect.Func {
		return Metadata{}, fmt.Errorf("handler %s: Func must be a bound method value", name)
	}
	fnType := fnVal.Type()
	numIn := fnType.NumIn()
	if numIn < 1 {
		return Metadata{}, fmt.Errorf("handler %s: must declare at least one parameter", name)
	}

	paramTypes := make([]types.Type, numIn)
	for i := 0; i < numIn; i++ {
		paramTypes[i] = types.OfReflect(fnType.In(i))
	}

	acceptsVarArgs := spec.AcceptsVarArgs
	if numIn != 1 || !paramTypes[0].IsArray() {
		// acceptsVarArgs only has meaning for single-parameter array-typed
		// handlers (glossary: "handler's declared parameter is an array
		// type"); ignore an accidental true elsewhere.
		acceptsVarArgs = false
	}

	return Metadata{
		ListenerType:    listenerType,
		MethodName:      name,
		Kind:            kindForArity(numIn),
		ParamTypes:      paramTypes,
		AcceptsSubtypes: spec.AcceptsSubtypes,
		AcceptsVarArgs:  acceptsVarArgs,
	}, nil
}

// methodNameOf recovers a method's name from a bound method value using the
// runtime symbol table. Go compiles `listener.Method` into a closure whose
// symbol name is "pkg/path.(*Type).Method-fm"; stripping the "-fm" wrapper
// suffix and the package-qualified prefix yields the bare method name used
// for reflect.Value.MethodByName lookups against other instances later.
func methodNameOf(boundMethod any) (string, error) {
	v := reflect.ValueOf(boundMethod)
	if v.Kind() != reflect.Func {
		return "", fmt.Errorf("handler: Func must be a function value, got %T", boundMethod)
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return "", fmt.Errorf("handler: could not resolve function symbol")
	}
	name := strings.TrimSuffix(fn.Name(), "-fm")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return "", fmt.Errorf("handler: could not determine method name")
	}
	return name, nil
}
