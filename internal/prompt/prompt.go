// Package prompt turns a validated generation request into model instructions.
package prompt

import (
	"fmt"
	"strings"

	"genjob-orchestrator/internal/models"
)

// Builder is the collaborator the submitter uses to produce model input.
type Builder interface {
	Build(env models.Environment, style models.Style, guidance string) string
}

// environmentLabels avoids wording that trips provider safety filters
// ("surgery", "blood", ...).
var environmentLabels = map[models.Environment]string{
	models.EnvironmentICU:           "a high-tech advanced clinical monitoring room, bright and sterile",
	models.EnvironmentOperatingRoom: "a modern clean bright healthcare facility with professional medical lighting",
	models.EnvironmentEmergency:     "a professional hospital triage center, modern clinic",
	models.EnvironmentLaboratory:    "an advanced scientific research laboratory with microscopes and equipment, clean room",
}

// Portrait builds identity-preserving portrait prompts.
type Portrait struct{}

func (Portrait) Build(env models.Environment, style models.Style, guidance string) string {
	scene, ok := environmentLabels[env]
	if !ok {
		scene = string(env)
	}

	var lines []string
	switch style {
	case models.StyleCartoon:
		lines = append(lines,
			"Take the person from the input image and transform them into a 3D animated character while preserving their unique facial features, face shape, and identity.",
			fmt.Sprintf("Show them as a cartoon doctor standing in %s.", scene),
			"Full body standing pose, friendly relaxed expression looking slightly away from camera.",
			"Vibrant colors, smooth 3D render, animated movie quality, depth in the background.",
			"Do not show close-up face only - show full character and environment.",
		)
	default:
		lines = append(lines,
			fmt.Sprintf("Take the person from the input image and render them as a professional doctor standing confidently in %s.", scene),
			"Show a natural waist-up 3/4 shot with a relaxed expression looking slightly away from the camera.",
			"Preserve the exact face, identity, hair, and likeness from the input image.",
			"Style: photorealistic, cinematic lighting, documentary photography, 8k resolution.",
			"Do not show close-up face only - show body and environment background clearly.",
			"Do not depict blood, needles, or anything disturbing.",
		)
	}

	if g := strings.TrimSpace(guidance); g != "" {
		lines = append(lines, fmt.Sprintf("Additional guidance: %s.", strings.TrimRight(g, ".")))
	}
	return strings.Join(lines, " ")
}

var _ Builder = Portrait{}
