package errs

import "testing"

func TestMultiSinkFansOutToEveryRegisteredSink(t *testing.T) {
	var a, b []*PublicationError
	m := NewMultiSink()
	m.Add(SinkFunc(func(e *PublicationError) { a = append(a, e) }))
	m.Add(SinkFunc(func(e *PublicationError) { b = append(b, e) }))

	err := New(CodeHandlerFailure)
	m.Handle(err)

	if len(a) != 1 || a[0] != err {
		t.Fatalf("expected sink a to observe the error once, got %v", a)
	}
	if len(b) != 1 || b[0] != err {
		t.Fatalf("expected sink b to observe the error once, got %v", b)
	}
}

func TestMultiSinkAddIgnoresNilSink(t *testing.T) {
	m := NewMultiSink()
	m.Add(nil)
	// Must not panic when handling with only a nil sink ignored.
	m.Handle(New(CodeHandlerFailure))
}

func TestMultiSinkHandleWithNoSinksIsNoop(t *testing.T) {
	m := NewMultiSink()
	m.Handle(New(CodeHandlerFailure))
}

func TestMultiSinkAddIsSafeConcurrently(t *testing.T) {
	m := NewMultiSink()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.Add(SinkFunc(func(*PublicationError) {}))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		m.Handle(New(CodeHandlerFailure))
	}
	<-done
}
