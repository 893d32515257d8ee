package events

import "testing"

func TestMulti(t *testing.T) {
	var a, b []Kind
	sink := Multi(
		SinkFunc(func(e Event) { a = append(a, e.Kind) }),
		nil,
		SinkFunc(func(e Event) { b = append(b, e.Kind) }),
	)

	sink.Emit(Event{Kind: KindHealthTransition})
	sink.Emit(Event{Kind: KindPoolSaturated})

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("fan-out = %v / %v, want two events each", a, b)
	}
	if a[1] != KindPoolSaturated {
		t.Errorf("order = %v", a)
	}
}

func TestMulti_Degenerate(t *testing.T) {
	if Multi() != Discard {
		t.Error("Multi() should return Discard")
	}
	if Multi(nil, nil) != Discard {
		t.Error("Multi(nil, nil) should return Discard")
	}

	called := false
	single := SinkFunc(func(Event) { called = true })
	Multi(single).Emit(Event{})
	if !called {
		t.Error("single sink not called")
	}

	// Discard must accept events without panicking.
	Discard.Emit(Event{Kind: KindRequestOutcome})
}
