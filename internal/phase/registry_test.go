package phase

import (
	"testing"
	"time"
)

func TestLookup(t *testing.T) {
	s, err := Lookup(Build)
	if err != nil {
		t.Fatalf("Lookup(Build) error = %v", err)
	}
	if s.Mode != ModeTool {
		t.Errorf("Build mode = %s, want tool", s.Mode)
	}
	if s.Timeout != 10*time.Minute {
		t.Errorf("Build timeout = %s, want 10m", s.Timeout)
	}

	if _, err := Lookup(Name("mystery")); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestIsSoft(t *testing.T) {
	tests := []struct {
		name Name
		want bool
	}{
		{Lint, true},
		{Build, false},
		{Test, false},
		{Ship, false},
		{Name("mystery"), false}, // unknown phases fail closed
	}

	for _, tt := range tests {
		if got := IsSoft(tt.name); got != tt.want {
			t.Errorf("IsSoft(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTemplateByName(t *testing.T) {
	complete, err := TemplateByName("complete")
	if err != nil {
		t.Fatalf("TemplateByName(complete) error = %v", err)
	}
	if len(complete.Phases) != 10 {
		t.Errorf("complete has %d phases, want 10", len(complete.Phases))
	}
	if complete.Phases[0] != Plan || complete.Phases[9] != Verify {
		t.Errorf("complete phase order wrong: %v", complete.Phases)
	}

	lightweight, err := TemplateByName("lightweight")
	if err != nil {
		t.Fatalf("TemplateByName(lightweight) error = %v", err)
	}
	for _, p := range lightweight.Phases {
		switch p {
		case Lint, Review, Document, Cleanup, Verify:
			t.Errorf("lightweight must omit %s", p)
		}
	}
	if !lightweight.Direct {
		t.Error("lightweight should chain phases directly")
	}

	if _, err := TemplateByName("mystery"); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTemplateByName_ResolvesAliases(t *testing.T) {
	tmpl, err := TemplateByName("adw_plan_build_iso")
	if err != nil {
		t.Fatalf("deprecated alias should resolve, got %v", err)
	}
	if tmpl.Name != "complete" {
		t.Errorf("alias resolved to %q, want complete", tmpl.Name)
	}
}

func TestResolveAlias(t *testing.T) {
	target, deprecated, ok := ResolveAlias("adw_patch_iso")
	if !ok {
		t.Fatal("expected adw_patch_iso to resolve")
	}
	if target != "lightweight" || !deprecated {
		t.Errorf("got (%q, %v), want (lightweight, true)", target, deprecated)
	}

	if _, _, ok := ResolveAlias("adw_mystery_iso"); ok {
		t.Error("unknown token should not resolve")
	}
}

func TestTemplateOrdinal(t *testing.T) {
	complete, _ := TemplateByName("complete")

	if got := complete.Ordinal(Plan); got != 1 {
		t.Errorf("Ordinal(Plan) = %d, want 1", got)
	}
	if got := complete.Ordinal(Verify); got != 10 {
		t.Errorf("Ordinal(Verify) = %d, want 10", got)
	}

	lightweight, _ := TemplateByName("lightweight")
	if got := lightweight.Ordinal(Lint); got != 0 {
		t.Errorf("Ordinal(Lint) in lightweight = %d, want 0", got)
	}
}

func TestTemplatePredecessor(t *testing.T) {
	complete, _ := TemplateByName("complete")

	if got := complete.Predecessor(Plan); got != "" {
		t.Errorf("Predecessor(Plan) = %q, want empty", got)
	}
	if got := complete.Predecessor(Build); got != Validate {
		t.Errorf("Predecessor(Build) = %q, want validate", got)
	}
}

func TestTerminalPhases(t *testing.T) {
	for _, name := range []Name{Ship, Cleanup, Verify} {
		s, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s) error = %v", name, err)
		}
		if !s.Terminal {
			t.Errorf("%s should be terminal", name)
		}
	}

	s, _ := Lookup(Build)
	if s.Terminal {
		t.Error("build should not be terminal")
	}
}
