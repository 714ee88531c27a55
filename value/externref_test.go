package value

import (
	"sync"
	"testing"
)

func TestExternRef_FinalizerExactlyOnce(t *testing.T) {
	runs := 0
	ref := NewExternRef(42, func(data any) {
		if data != 42 {
			t.Errorf("finalizer data = %v", data)
		}
		runs++
	})

	// original + 3 clones = 4 references
	clones := []*ExternRef{ref.Clone(), ref.Clone(), ref.Clone()}

	ref.Release()
	for i, c := range clones {
		if runs != 0 {
			t.Fatalf("finalizer ran before release %d", i)
		}
		c.Release()
	}

	if runs != 1 {
		t.Fatalf("finalizer ran %d times, want 1", runs)
	}
}

func TestExternRef_NilFinalizer(t *testing.T) {
	ref := NewExternRef("x", nil)
	ref.Release() // must not panic
	if ref.Alive() {
		t.Error("cell still alive after final release")
	}
}

func TestExternRef_ConcurrentCloneRelease(t *testing.T) {
	runs := 0
	done := make(chan struct{})
	ref := NewExternRef(nil, func(any) {
		runs++
		close(done)
	})

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		c := ref.Clone()
		go func() {
			defer wg.Done()
			c.Release()
		}()
	}
	wg.Wait()
	ref.Release()

	<-done
	if runs != 1 {
		t.Fatalf("finalizer ran %d times", runs)
	}
}
