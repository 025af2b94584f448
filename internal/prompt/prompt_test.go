package prompt

import (
	"strings"
	"testing"

	"genjob-orchestrator/internal/models"
)

func TestPortraitUsesSafeEnvironmentLabel(t *testing.T) {
	p := Portrait{}.Build(models.EnvironmentOperatingRoom, models.StyleRealistic, "")
	if !strings.Contains(p, "modern clean bright healthcare facility") {
		t.Fatalf("expected safe label, got %q", p)
	}
	if strings.Contains(strings.ToLower(p), "surgery") {
		t.Fatalf("prompt must not mention surgery: %q", p)
	}
}

func TestPortraitCartoonAndGuidance(t *testing.T) {
	p := Portrait{}.Build(models.EnvironmentLaboratory, models.StyleCartoon, "wearing glasses.")
	if !strings.Contains(p, "3D animated character") {
		t.Fatalf("expected cartoon wording, got %q", p)
	}
	if !strings.HasSuffix(p, "Additional guidance: wearing glasses.") {
		t.Fatalf("expected guidance suffix, got %q", p)
	}
}
