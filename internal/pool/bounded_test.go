package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolItem struct {
	value    int
	returned bool
}

func (p *poolItem) Reset()            { p.value = 0 }
func (p *poolItem) SetReturned(v bool) { p.returned = v }
func (p *poolItem) IsReturned() bool   { return p.returned }

func newPoolItem() interface{} { return &poolItem{} }

func TestNewBoundedPoolPanicsOnInvalidArgs(t *testing.T) {
	assert.Panics(t, func() { NewBoundedPool("", 1, newPoolItem) })
	assert.Panics(t, func() { NewBoundedPool("p", 0, newPoolItem) })
	assert.Panics(t, func() { NewBoundedPool("p", 1, nil) })
}

func TestGetAndPutRoundTrip(t *testing.T) {
	bp := NewBoundedPool("test", 2, newPoolItem)

	obj, err := bp.Get(context.Background())
	require.NoError(t, err)
	item := obj.(*poolItem)
	item.value = 42

	bp.Put(item)
	assert.Equal(t, 0, item.value) // Reset() cleared it.
}

func TestGetBlocksWhenCapacityExhausted(t *testing.T) {
	bp := NewBoundedPool("test", 1, newPoolItem)

	obj, err := bp.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = bp.Get(ctx)
	require.Error(t, err)

	bp.Put(obj)
	obj2, err := bp.Get(context.Background())
	require.NoError(t, err)
	bp.Put(obj2)
}

func TestPutNilPanics(t *testing.T) {
	bp := NewBoundedPool("test", 1, newPoolItem)
	assert.Panics(t, func() { bp.Put(nil) })
}

func TestDoublePutPanics(t *testing.T) {
	bp := NewBoundedPool("test", 2, newPoolItem)
	obj, err := bp.Get(context.Background())
	require.NoError(t, err)

	bp.Put(obj)
	assert.Panics(t, func() { bp.Put(obj) })
}

func TestGetWithNilContextUsesBackground(t *testing.T) {
	bp := NewBoundedPool("test", 1, newPoolItem)
	obj, err := bp.Get(nil)
	require.NoError(t, err)
	bp.Put(obj)
}
