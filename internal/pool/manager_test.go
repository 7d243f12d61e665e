package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testRecord struct {
	id      string
	returned bool
}

func (r *testRecord) Reset()            { r.id = "" }
func (r *testRecord) SetReturned(v bool) { r.returned = v }
func (r *testRecord) IsReturned() bool   { return r.returned }

func newTestRecord() any { return &testRecord{} }

func TestNewPoolManager(t *testing.T) {
	pm := NewPoolManager()
	if pm == nil {
		t.Fatal("expected non-nil pool manager")
	}
	if pm.pools == nil {
		t.Error("expected pools map to be initialized")
	}
}

func TestRegisterPool(t *testing.T) {
	pm := NewPoolManager()

	err := pm.RegisterPool("test-pool", 10, newTestRecord)
	if err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	// Registering the same name again must fail.
	err = pm.RegisterPool("test-pool", 10, newTestRecord)
	if err == nil {
		t.Error("expected error when registering duplicate pool")
	}
}

func TestRegisterPoolAfterShutdown(t *testing.T) {
	pm := NewPoolManager()
	if err := pm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := pm.RegisterPool("late", 1, newTestRecord); !errors.Is(err, ErrPoolManagerClosed) {
		t.Fatalf("expected ErrPoolManagerClosed, got %v", err)
	}
}

func TestGetAndPut(t *testing.T) {
	pm := NewPoolManager()

	if err := pm.RegisterPool("records", 5, newTestRecord); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	ctx := context.Background()

	obj, err := pm.Get(ctx, "records")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	rec, ok := obj.(*testRecord)
	if !ok {
		t.Fatalf("expected *testRecord, got %T", obj)
	}

	rec.id = "test-123"
	pm.Put("records", obj)

	obj2, err := pm.Get(ctx, "records")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	rec2 := obj2.(*testRecord)
	if rec2.id != "" {
		t.Errorf("expected reset id, got %q", rec2.id)
	}
	pm.Put("records", obj2)
}

func TestGetNonExistentPool(t *testing.T) {
	pm := NewPoolManager()

	_, err := pm.Get(context.Background(), "non-existent")
	if !errors.Is(err, ErrPoolNotRegistered) {
		t.Fatalf("expected ErrPoolNotRegistered, got %v", err)
	}
}

func TestPutUnknownPoolPanics(t *testing.T) {
	pm := NewPoolManager()
	if err := pm.RegisterPool("records", 1, newTestRecord); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}
	obj, err := pm.Get(context.Background(), "records")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic putting into an unregistered pool")
		}
	}()
	pm.Put("other", obj)
}

func TestShutdown(t *testing.T) {
	pm := NewPoolManager()

	if err := pm.RegisterPool("records", 5, newTestRecord); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	ctx := context.Background()
	obj, err := pm.Get(ctx, "records")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	pm.Put("records", obj)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pm.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := pm.Get(ctx, "records"); !errors.Is(err, ErrPoolManagerClosed) {
		t.Errorf("expected ErrPoolManagerClosed after shutdown, got %v", err)
	}
}

func TestShutdownTimesOutWithOutstandingObjects(t *testing.T) {
	pm := NewPoolManager()
	if err := pm.RegisterPool("records", 1, newTestRecord); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	ctx := context.Background()
	if _, err := pm.Get(ctx, "records"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Object is never returned; Shutdown must respect its deadline rather
	// than block forever.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pm.Shutdown(shutdownCtx); err == nil {
		t.Fatal("expected shutdown timeout error with an outstanding object")
	}
}
