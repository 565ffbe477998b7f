package identity

import (
	"strings"
	"testing"
)

func TestRunnerIDDeterministic(t *testing.T) {
	a := RunnerID("host-a", "/work/project", "claude-code")
	b := RunnerID("host-a", "/work/project", "claude-code")
	if a != b {
		t.Errorf("same tuple derived different ids: %s vs %s", a, b)
	}
}

func TestRunnerIDDistinguishesTuples(t *testing.T) {
	base := RunnerID("host-a", "/work/project", "claude-code")
	variants := []string{
		RunnerID("host-b", "/work/project", "claude-code"),
		RunnerID("host-a", "/work/other", "claude-code"),
		RunnerID("host-a", "/work/project", "deterministic"),
	}
	for _, v := range variants {
		if v == base {
			t.Errorf("distinct tuple collided with base id %s", base)
		}
	}
}

func TestRunnerIDForm(t *testing.T) {
	id := RunnerID("h", "/p", "t")
	if !strings.HasPrefix(id, "lnch_") {
		t.Errorf("expected lnch_ prefix, got %s", id)
	}
	if len(id) != len("lnch_")+12 {
		t.Errorf("expected 12 hex chars after prefix, got %s", id)
	}
}

func TestRunnerIDSeparatorMatters(t *testing.T) {
	// "a:b" + "c" must not collide with "a" + "b:c"
	if RunnerID("a:b", "c", "t") == RunnerID("a", "b:c", "t") {
		t.Error("tuple fields are not separated unambiguously")
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, "ses_") {
		t.Errorf("expected ses_ prefix, got %s", id)
	}
	if id == NewSessionID() {
		t.Error("two generated session ids collided")
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	if !strings.HasPrefix(id, "run_") {
		t.Errorf("expected run_ prefix, got %s", id)
	}
	if id == NewRunID() {
		t.Error("two generated run ids collided")
	}
}
