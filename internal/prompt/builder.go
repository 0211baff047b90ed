package prompt

import (
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// Version identifies the instruction text below. Bump it whenever the text
// or the schema it describes changes.
const Version = "avalanche-risk/2"

// UserText accompanies the image in the user turn.
const UserText = "Assess the avalanche risk shown in this photo. Reply with the JSON object only."

// Instruction is sent as the system message of every request.
const Instruction = `You are an avalanche hazard analyst reviewing a single photo of mountain terrain.
Return exactly one JSON object and nothing else. No prose, no markdown.

Schema:
{
  "overall_risk": "low" | "moderate" | "considerable" | "high" | "extreme",
  "confidence": number between 0.0 and 1.0,
  "snow_texture": "granular" | "blocky" | "fluffy" | "mixed" | "unknown",
  "terrain_features": [string, ...],
  "predicted_movement_pattern": string (at most 600 characters),
  "slope_angle_estimate_degrees": number between 0 and 90, or null,
  "avalanche": {
    "present": boolean,
    "type": "powder" | "loose-snow" | "slab" | "none",
    "powder_cloud": boolean,
    "fracture_line": boolean,
    "point_release": boolean,
    "debris_pattern": "fan-shaped" | "linear" | "scattered" | "none",
    "starting_width": "point" | "wide" | "undefined",
    "propagation": "fan" | "linear" | "chaotic" | "none",
    "vertical_movement": boolean,
    "lateral_spread": boolean,
    "snow_density": "low" | "medium" | "high",
    "steep_slope": boolean
  }
}

Every field except "slope_angle_estimate_degrees" and "avalanche" is required.
"overall_risk" follows the five-level European avalanche danger scale.
"confidence" is a fraction, not a percentage.
"terrain_features" lists visible features such as cornices, gullies, convex rollovers, cliff bands, tree cover, wind loading or old debris.
"predicted_movement_pattern" describes where and how snow would most likely release and run.

Guidelines:
1. Snow texture: granular means individual grains are visible; blocky means cohesive chunks; fluffy means light powder.
2. Terrain: slope angle is critical; note anchoring points (trees, rocks) and convex rollovers at likely release zones.
3. Include "avalanche" only when an avalanche or fresh debris is visible.
   LOOSE-SNOW: point release, fan propagation, granular texture, fan-shaped debris.
   SLAB: fracture line, blocky texture, wide starting zone, linear propagation.
   POWDER: powder cloud, fluffy texture, strong vertical movement.
   Weigh primary indicators above secondary ones and require several matching characteristics before choosing a type.
4. If the photo does not show snow-covered terrain, still answer with the schema, using "low", a low confidence and "unknown" texture.`

// Builder assembles requests for one model configuration.
type Builder struct {
	config models.ModelConfig
}

// NewBuilder returns a builder that always sends temperature 0.
func NewBuilder(cfg models.ModelConfig) *Builder {
	cfg.Temperature = 0
	if cfg.Detail == "" {
		cfg.Detail = "high"
	}
	return &Builder{config: cfg}
}

// Config returns the model settings requests are built with.
func (b *Builder) Config() models.ModelConfig {
	return b.config
}

// Build pairs the payload with the instruction. It cannot fail.
func (b *Builder) Build(payload models.EncodedPayload) models.AnalysisRequest {
	return models.AnalysisRequest{
		Payload:       payload,
		Instruction:   Instruction,
		UserText:      UserText,
		PromptVersion: Version,
		Config:        b.config,
	}
}
