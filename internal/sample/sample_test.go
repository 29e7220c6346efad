package sample

import "testing"

func TestSampler_Deterministic(t *testing.T) {
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		if a.IntN(1000) != b.IntN(1000) {
			t.Fatal("same seed produced different sequences")
		}
	}
}

func TestChance_Edges(t *testing.T) {
	s := New(1)
	for i := 0; i < 100; i++ {
		if s.Chance(0) {
			t.Fatal("Chance(0) returned true")
		}
		if !s.Chance(1) {
			t.Fatal("Chance(1) returned false")
		}
	}
}

func TestChance_Distribution(t *testing.T) {
	s := New(7)
	hits := 0
	const n = 20000
	for i := 0; i < n; i++ {
		if s.Chance(0.7) {
			hits++
		}
	}
	ratio := float64(hits) / n
	if ratio < 0.67 || ratio > 0.73 {
		t.Errorf("Chance(0.7) ratio = %.3f", ratio)
	}
}

func TestPick(t *testing.T) {
	s := New(3)
	if _, ok := Pick[string](s, nil); ok {
		t.Error("Pick on empty slice returned ok")
	}
	items := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		v, ok := Pick(s, items)
		if !ok {
			t.Fatal("Pick returned !ok")
		}
		seen[v] = true
	}
	if len(seen) != 3 {
		t.Errorf("Pick never returned some items: %v", seen)
	}
}
