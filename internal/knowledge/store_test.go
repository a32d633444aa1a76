package knowledge

import (
	"testing"
)

func TestDeriveConfidence(t *testing.T) {
	tests := []struct {
		name             string
		success, failure int
		want             float64
	}{
		{"no observations", 0, 0, 0.5},
		{"all success", 10, 0, 1.0},
		{"all failure", 0, 4, 0.0},
		{"mixed", 3, 1, 0.75},
		{"single success", 1, 0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveConfidence(tt.success, tt.failure); got != tt.want {
				t.Errorf("DeriveConfidence(%d, %d) = %g, want %g", tt.success, tt.failure, got, tt.want)
			}
		})
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{
		KindWorkflow, KindCodePattern, KindErrorResolution,
		KindUserPreference, KindToolUsage, KindContextPattern,
	} {
		if !k.Valid() {
			t.Errorf("Kind(%q).Valid() = false, want true", k)
		}
	}
	for _, k := range []Kind{"", "WORKFLOW", "unknown"} {
		if k.Valid() {
			t.Errorf("Kind(%q).Valid() = true, want false", k)
		}
	}
}

func TestRelationKindAcyclic(t *testing.T) {
	tests := []struct {
		kind RelationKind
		want bool
	}{
		{RelationSupersedes, true},
		{RelationDerivedFrom, true},
		{RelationSimilarTo, false},
		{RelationRequires, false},
		{RelationConflictsWith, false},
		{RelationBelongsToPhase, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.acyclic(); got != tt.want {
				t.Errorf("%s.acyclic() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestUnionStrings(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"disjoint", []string{"x"}, []string{"y"}, []string{"x", "y"}},
		{"overlap", []string{"x", "y"}, []string{"y", "z"}, []string{"x", "y", "z"}},
		{"both empty", nil, nil, []string{}},
		{"duplicates within input", []string{"x", "x"}, []string{"x"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := unionStrings(tt.a, tt.b)
			if len(got) != len(tt.want) {
				t.Fatalf("unionStrings(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("unionStrings(%v, %v)[%d] = %q, want %q", tt.a, tt.b, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewStore_Validation(t *testing.T) {
	if _, err := NewStore(nil, 768, nil); err == nil {
		t.Error("NewStore(nil pool) expected error, got nil")
	}
}

func TestVecOrNil(t *testing.T) {
	if got := vecOrNil(nil); got != nil {
		t.Errorf("vecOrNil(nil) = %v, want nil", got)
	}
	if got := vecOrNil([]float32{1, 2}); got == nil {
		t.Error("vecOrNil(non-nil) = nil, want vector")
	}
}
