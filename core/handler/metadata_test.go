package handler

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/busline/core/types"
)

type orderEvent struct{ id string }

type unaryListener struct{ calls int }

func (l *unaryListener) OnOrder(e orderEvent) error {
	l.calls++
	return nil
}

func (l *unaryListener) BusHandlers() []HandlerSpec {
	return []HandlerSpec{
		{Func: l.OnOrder, AcceptsSubtypes: true, AcceptsVarArgs: false},
	}
}

type arrayListener struct{}

func (l *arrayListener) OnBatch(batch []orderEvent) error { return nil }

func (l *arrayListener) BusHandlers() []HandlerSpec {
	return []HandlerSpec{
		{Func: l.OnBatch, AcceptsSubtypes: false, AcceptsVarArgs: true},
	}
}

type pairListener struct{}

func (l *pairListener) OnPair(a, b orderEvent) error { return nil }

func (l *pairListener) BusHandlers() []HandlerSpec {
	return []HandlerSpec{
		// AcceptsVarArgs is meaningless for a 2-parameter handler and must
		// be forced to false regardless of what's declared here.
		{Func: l.OnPair, AcceptsSubtypes: false, AcceptsVarArgs: true},
	}
}

type panickingListener struct{}

func (l *panickingListener) OnOrder(e orderEvent) error { panic("boom") }

func (l *panickingListener) BusHandlers() []HandlerSpec {
	return []HandlerSpec{{Func: l.OnOrder}}
}

type failingListener struct{}

func (l *failingListener) OnOrder(e orderEvent) error { return errors.New("nope") }

func (l *failingListener) BusHandlers() []HandlerSpec {
	return []HandlerSpec{{Func: l.OnOrder}}
}

type notAListener struct{}

func TestReflectProviderBuildsMetadataForUnaryHandler(t *testing.T) {
	p := ReflectProvider{}
	l := &unaryListener{}

	mds, err := p.HandlersOf(l)
	require.NoError(t, err)
	require.Len(t, mds, 1)

	md := mds[0]
	assert.Equal(t, "OnOrder", md.MethodName)
	assert.Equal(t, KindUnary, md.Kind)
	assert.Equal(t, 1, md.Arity())
	assert.True(t, md.AcceptsSubtypes)
	assert.False(t, md.AcceptsVarArgs)
	assert.Equal(t, reflect.TypeOf(l), md.ListenerType)
}

func TestReflectProviderRecognizesArrayParamAsVarArgCapable(t *testing.T) {
	p := ReflectProvider{}
	mds, err := p.HandlersOf(&arrayListener{})
	require.NoError(t, err)
	require.Len(t, mds, 1)

	md := mds[0]
	assert.True(t, md.IsArrayParam())
	assert.True(t, md.AcceptsVarArgs)
}

func TestBuildMetadataIgnoresVarArgsOnMultiParamHandler(t *testing.T) {
	p := ReflectProvider{}
	mds, err := p.HandlersOf(&pairListener{})
	require.NoError(t, err)
	require.Len(t, mds, 1)
	assert.False(t, mds[0].AcceptsVarArgs)
	assert.Equal(t, KindBinary, mds[0].Kind)
}

func TestHandlersOfNonListenerReturnsEmpty(t *testing.T) {
	p := ReflectProvider{}
	mds, err := p.HandlersOf(&notAListener{})
	require.NoError(t, err)
	assert.Empty(t, mds)
}

func TestMetadataInvokeInvokesCurrentInstance(t *testing.T) {
	p := ReflectProvider{}
	l := &unaryListener{}
	mds, err := p.HandlersOf(l)
	require.NoError(t, err)

	invokeErr := mds[0].Invoke(l, []any{orderEvent{id: "1"}})
	assert.NoError(t, invokeErr)
	assert.Equal(t, 1, l.calls)
}

func TestMetadataInvokeRecoversPanicAsError(t *testing.T) {
	p := ReflectProvider{}
	l := &panickingListener{}
	mds, err := p.HandlersOf(l)
	require.NoError(t, err)

	invokeErr := mds[0].Invoke(l, []any{orderEvent{id: "1"}})
	require.Error(t, invokeErr)
	assert.Contains(t, invokeErr.Error(), "panicked")
}

func TestMetadataInvokePropagatesReturnedError(t *testing.T) {
	p := ReflectProvider{}
	l := &failingListener{}
	mds, err := p.HandlersOf(l)
	require.NoError(t, err)

	invokeErr := mds[0].Invoke(l, []any{orderEvent{id: "1"}})
	require.Error(t, invokeErr)
	assert.Equal(t, "nope", invokeErr.Error())
}

func TestMetadataInvokeReportsMissingMethod(t *testing.T) {
	md := Metadata{ListenerType: reflect.TypeOf(&unaryListener{}), MethodName: "DoesNotExist"}
	err := md.Invoke(&unaryListener{}, []any{orderEvent{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestKindStringNames(t *testing.T) {
	assert.Equal(t, "unary", KindUnary.String())
	assert.Equal(t, "binary", KindBinary.String())
	assert.Equal(t, "ternary", KindTernary.String())
	assert.Equal(t, "tuple", KindTuple.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestIsArrayParamFalseForNonArrayUnary(t *testing.T) {
	md := Metadata{ParamTypes: []types.Type{types.Of(orderEvent{})}}
	assert.False(t, md.IsArrayParam())
}

func TestBuildMetadataRejectsNonFuncValue(t *testing.T) {
	p := ReflectProvider{}
	type badListener struct{}
	_ = badListener{}

	spec := HandlerSpec{Func: "not a function"}
	_, err := buildMetadata(reflect.TypeOf(&unaryListener{}), spec)
	require.Error(t, err)
	_ = p
}
