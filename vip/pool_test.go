package vip

import "testing"

func TestAllocateLowestFree(t *testing.T) {
	t.Parallel()
	p := New()

	first := p.Allocate()
	if first != "10.0.0.2" {
		t.Fatalf("first allocation = %s, want 10.0.0.2", first)
	}
	second := p.Allocate()
	if second != "10.0.0.3" {
		t.Fatalf("second allocation = %s, want 10.0.0.3", second)
	}

	p.Release(first)
	third := p.Allocate()
	if third != "10.0.0.2" {
		t.Fatalf("third allocation after release = %s, want 10.0.0.2", third)
	}
}

func TestAllocateExhaustionReturnsEmpty(t *testing.T) {
	t.Parallel()
	p := New()

	for i := minHost; i <= maxHost; i++ {
		if got := p.Allocate(); got == "" {
			t.Fatalf("unexpected exhaustion at i=%d", i)
		}
	}
	if got := p.Allocate(); got != "" {
		t.Fatalf("Allocate() at capacity = %q, want empty", got)
	}
}

func TestReserveRejectsDuplicate(t *testing.T) {
	t.Parallel()
	p := New()

	if err := p.Reserve("10.0.0.10"); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if err := p.Reserve("10.0.0.10"); err == nil {
		t.Fatal("expected error reserving an already-used label")
	}
}

func TestReserveRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	p := New()
	if err := p.Reserve("10.0.0.1"); err == nil {
		t.Fatal("expected error reserving host below range")
	}
	if err := p.Reserve("10.0.1.5"); err == nil {
		t.Fatal("expected error reserving label outside the /24")
	}
}

func TestReleaseUnknownLabelIsNoop(t *testing.T) {
	t.Parallel()
	p := New()
	p.Release("10.0.0.99") // must not panic
}
