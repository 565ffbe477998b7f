package demand

import (
	"reflect"
	"testing"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
)

var props = Properties{
	Hostname:     "host-a",
	ProjectDir:   "/work/x",
	ExecutorType: "claude-code",
}

func TestSatisfiesEmptyDemands(t *testing.T) {
	if !Satisfies(props, nil, Demands{}) {
		t.Error("empty demands should match any runner")
	}
}

func TestSatisfiesExactIdentityFields(t *testing.T) {
	cases := []struct {
		name string
		d    Demands
		want bool
	}{
		{"matching hostname", Demands{Hostname: "host-a"}, true},
		{"wrong hostname", Demands{Hostname: "host-b"}, false},
		{"matching dir", Demands{ProjectDir: "/work/x"}, true},
		{"wrong dir", Demands{ProjectDir: "/work/y"}, false},
		{"matching executor", Demands{ExecutorType: "claude-code"}, true},
		{"wrong executor", Demands{ExecutorType: "deterministic"}, false},
		{"full tuple", Demands{Hostname: "host-a", ProjectDir: "/work/x", ExecutorType: "claude-code"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Satisfies(props, nil, tc.d); got != tc.want {
				t.Errorf("Satisfies = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSatisfiesTagSubset(t *testing.T) {
	tags := []string{"python", "gpu"}

	if !Satisfies(props, tags, Demands{Tags: []string{"gpu"}}) {
		t.Error("subset of runner tags should satisfy")
	}
	if !Satisfies(props, tags, Demands{Tags: []string{"python", "gpu"}}) {
		t.Error("equal tag sets should satisfy")
	}
	if Satisfies(props, tags, Demands{Tags: []string{"gpu", "cuda"}}) {
		t.Error("missing runner tag should not satisfy")
	}
	if Satisfies(props, nil, Demands{Tags: []string{"gpu"}}) {
		t.Error("runner without tags should not satisfy tag demand")
	}
}

func TestMergeAdditive(t *testing.T) {
	blueprint := Demands{Hostname: "host-a", Tags: []string{"python"}}
	additional := Demands{ProjectDir: "/work/x", Tags: []string{"gpu", "python"}}

	merged, err := Merge(blueprint, additional)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	want := Demands{
		Hostname:   "host-a",
		ProjectDir: "/work/x",
		Tags:       []string{"gpu", "python"},
	}
	if !reflect.DeepEqual(merged, want) {
		t.Errorf("Merge = %+v, want %+v", merged, want)
	}
}

func TestMergeBlueprintValueSurvives(t *testing.T) {
	merged, err := Merge(Demands{Hostname: "host-a"}, Demands{Hostname: "host-a"})
	if err != nil {
		t.Fatalf("Merge failed on equal values: %v", err)
	}
	if merged.Hostname != "host-a" {
		t.Errorf("blueprint hostname did not survive merge: %+v", merged)
	}
}

func TestMergeConflict(t *testing.T) {
	_, err := Merge(Demands{ExecutorType: "claude-code"}, Demands{ExecutorType: "deterministic"})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected ValidationError, got %v", apperr.KindOf(err))
	}
}
