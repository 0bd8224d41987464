package cachecontrol

import "testing"

func TestValidator_DropsNonCacheableContext(t *testing.T) {
	v := New()
	ok := v.Validate(Marker{Present: true}, NewContext(ThinkingBlock))
	if ok {
		t.Fatal("expected marker on thinking_block to be dropped")
	}
	warnings := v.Warnings()
	if len(warnings) != 1 || warnings[0].Kind != UnsupportedContext {
		t.Fatalf("warnings = %+v", warnings)
	}
}

func TestValidator_EnforcesBreakpointLimit(t *testing.T) {
	v := New()
	ctx := NewContext(SystemMessage)
	for i := 0; i < MaxBreakpoints; i++ {
		if !v.Validate(Marker{Present: true}, ctx) {
			t.Fatalf("marker %d should have been accepted", i)
		}
	}
	if v.Validate(Marker{Present: true}, ctx) {
		t.Fatal("5th marker should have been dropped")
	}
	warnings := v.Warnings()
	if len(warnings) != 1 || warnings[0].Kind != BreakpointLimitExceeded {
		t.Fatalf("warnings = %+v", warnings)
	}
	if v.Accepted() != MaxBreakpoints {
		t.Errorf("Accepted() = %d, want %d", v.Accepted(), MaxBreakpoints)
	}
}

func TestValidator_AbsentMarkerSkipped(t *testing.T) {
	v := New()
	if v.Validate(Marker{Present: false}, NewContext(UserMessage)) {
		t.Fatal("absent marker should not be accepted")
	}
	if len(v.Warnings()) != 0 {
		t.Fatalf("warnings = %+v, want none", v.Warnings())
	}
}

func TestValidator_ValidateWithFallback(t *testing.T) {
	v := New()
	ctx := NewContext(AssistantMessagePart)

	// Part has no marker; falls back to message's.
	if !v.ValidateWithFallback(Marker{Present: false}, Marker{Present: true}, ctx) {
		t.Fatal("expected fallback to message marker to be accepted")
	}

	v2 := New()
	// Part's own marker takes precedence over message's (even if absent).
	if !v2.ValidateWithFallback(Marker{Present: true}, Marker{Present: false}, ctx) {
		t.Fatal("expected part marker to be accepted")
	}
}

func TestNewContext_UnknownKindIsNonCacheable(t *testing.T) {
	ctx := NewContext(ContextKind("made_up"))
	if ctx.CanCache {
		t.Fatal("unknown context kind should default to non-cacheable")
	}
}
