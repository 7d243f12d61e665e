package dispatch

import (
	"reflect"

	coretypes "github.com/coachpo/busline/core/types"
)

// newSliceOfOne builds a one-element slice of arrType's reflect.Type
// containing v, returned as an any so handler.Metadata.Invoke's
// reflect.ValueOf sees the concrete slice type the handler declared
// (spec P4: "receives a one-element array when publish(m: T) is called").
func newSliceOfOne(arrType coretypes.Type, v any) any {
	rt := arrType.Reflect()
	slice := reflect.MakeSlice(rt, 1, 1)
	slice.Index(0).Set(reflect.ValueOf(v))
	return slice.Interface()
}

// materializeArrayFromTuple builds the array a vararg handler expects for a
// multi-argument publish(m1,...,mk). When every mi shares the same runtime
// type T the array is T's own array type, exactly as for a same-typed
// publish. VarArgSuperTuple's cross-type intersection (arity 2/3 only — see
// its doc comment) can also match a genuinely mixed-type tuple against a
// handler declared over a common supertype; there is no single concrete
// array type that holds arbitrary published values other than the
// interface-slice shape (any[]), so a mixed-type tuple materializes into
// that instead.
func materializeArrayFromTuple(oracle *coretypes.Oracle, args []any) any {
	elemType := commonElemType(args)
	arrType := oracle.ArrayOf(elemType)
	rt := arrType.Reflect()
	slice := reflect.MakeSlice(rt, len(args), len(args))
	for i, a := range args {
		slice.Index(i).Set(reflect.ValueOf(a))
	}
	return slice.Interface()
}

var anyType = coretypes.OfReflect(reflect.TypeOf((*any)(nil)).Elem())

// commonElemType returns args[0]'s type when every element shares it, or
// the empty-interface type otherwise.
func commonElemType(args []any) coretypes.Type {
	first := coretypes.Of(args[0])
	for _, a := range args[1:] {
		if coretypes.Of(a) != first {
			return anyType
		}
	}
	return first
}
