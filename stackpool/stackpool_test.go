package stackpool

import "testing"

func TestAcquireAllocatesOnEmptyPool(t *testing.T) {
	p := New(WithSize(64))
	s := p.Acquire()
	if len(s.Bytes()) != 64 {
		t.Fatalf("len = %d, want 64", len(s.Bytes()))
	}
	if p.Cached() != 0 {
		t.Fatalf("Cached() = %d, want 0", p.Cached())
	}
}

func TestReleaseThenAcquireReusesRegion(t *testing.T) {
	p := New(WithSize(32))
	s1 := p.Acquire()
	buf1 := s1.Bytes()
	s1.Release()

	if p.Cached() != 1 {
		t.Fatalf("Cached() = %d, want 1 after release", p.Cached())
	}

	s2 := p.Acquire()
	if &s2.Bytes()[0] != &buf1[0] {
		t.Fatal("Acquire after Release did not reuse the freed region")
	}
	if p.Cached() != 0 {
		t.Fatalf("Cached() = %d, want 0 after reacquire", p.Cached())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(WithSize(16))
	s := p.Acquire()
	s.Release()
	s.Release()
	if p.Cached() != 1 {
		t.Fatalf("Cached() = %d, want 1 (double release must not double-push)", p.Cached())
	}
}

func TestLIFOOrder(t *testing.T) {
	p := New(WithSize(8))
	a := p.Acquire()
	b := p.Acquire()
	aBuf, bBuf := a.Bytes(), b.Bytes()
	a.Release()
	b.Release()

	// LIFO: the most recently released (b) must come back first.
	first := p.Acquire()
	if &first.Bytes()[0] != &bBuf[0] {
		t.Fatal("Acquire did not return the most recently released region first")
	}
	second := p.Acquire()
	if &second.Bytes()[0] != &aBuf[0] {
		t.Fatal("Acquire did not return the second-most recently released region second")
	}
}

func TestCloseDropsFreeList(t *testing.T) {
	p := New(WithSize(8))
	p.Acquire().Release()
	p.Acquire().Release()
	p.Close()
	if p.Cached() != 0 {
		t.Fatalf("Cached() = %d after Close, want 0", p.Cached())
	}
}
