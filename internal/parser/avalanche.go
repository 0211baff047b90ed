package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// Indicator weights for classifying a visible avalanche.
const (
	primaryIndicator   = 3
	secondaryIndicator = 1

	// minClassificationScore is the evidence needed before a type is trusted.
	minClassificationScore = 6
	// minScoreMargin separates the leading type from the runner-up.
	minScoreMargin = 3

	steepSlopeDegrees = 45
)

// decodeAvalanche reads the optional observation. It understands the flat
// shape the instruction asks for and the nested visual_characteristics shape
// older prompts produced. ok is false when a value is present but unusable.
func decodeAvalanche(v json.RawMessage) (*models.AvalancheObservation, bool) {
	if b, ok := asBool(v); ok {
		if !b {
			return &models.AvalancheObservation{Present: false, Type: models.AvalancheNone}, true
		}
		return &models.AvalancheObservation{Present: true, Type: models.AvalancheUnknown}, true
	}
	if !isObject(v) {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return nil, false
	}
	src := newObject(raw)

	obs := &models.AvalancheObservation{Type: models.AvalancheUnknown}
	if s, ok := stringField(src, "type", "avalanche_type"); ok {
		obs.Type = matchAvalancheType(s)
	}
	if b, ok := boolField(src, "present", "avalanche_present"); ok {
		obs.Present = b
	} else {
		obs.Present = obs.Type != models.AvalancheNone && obs.Type != models.AvalancheUnknown
	}

	// Older prompts nest indicators one or two levels down.
	nested := []object{src}
	for _, key := range []string{"visual_characteristics", "movement_pattern", "snow_texture", "terrain"} {
		if child, ok := childObject(src, key); ok {
			nested = append(nested, child)
			for _, inner := range []string{"movement_pattern", "snow_texture", "terrain"} {
				if grandchild, ok := childObject(child, inner); ok {
					nested = append(nested, grandchild)
				}
			}
		}
	}

	for _, o := range nested {
		setBool(o, &obs.PowderCloud, "powder_cloud")
		setBool(o, &obs.FractureLine, "fracture_line")
		setBool(o, &obs.PointRelease, "point_release")
		setBool(o, &obs.VerticalMovement, "vertical_movement")
		setBool(o, &obs.LateralSpread, "lateral_spread")
		setBool(o, &obs.SteepSlope, "steep_slope")
		setString(o, &obs.DebrisPattern, "debris_pattern")
		setString(o, &obs.StartingWidth, "starting_width")
		setString(o, &obs.Propagation, "propagation")
		setString(o, &obs.SnowDensity, "snow_density", "density")
		if s, ok := stringField(o, "slope_angle"); ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "steep") {
			obs.SteepSlope = true
		}
	}
	return obs, true
}

// legacyAvalanche builds an observation from top-level avalanche_present /
// avalanche_type keys when no avalanche object was sent.
func legacyAvalanche(o object) (*models.AvalancheObservation, bool) {
	_, hasPresent := o.fields["avalanche_present"]
	_, hasType := o.fields["avalanche_type"]
	if !hasPresent && !hasType {
		return nil, false
	}
	merged := map[string]json.RawMessage{}
	for _, k := range []string{"avalanche_present", "avalanche_type", "visual_characteristics"} {
		if v, ok := o.fields[k]; ok {
			merged[k] = v
		}
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return decodeAvalanche(body)
}

func childObject(o object, key string) (object, bool) {
	v, ok := o.get(key)
	if !ok || !isObject(v) {
		return object{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(v, &raw); err != nil {
		return object{}, false
	}
	return newObject(raw), true
}

func stringField(o object, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := o.get(k); ok {
			if s, ok := asString(v); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

func boolField(o object, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := o.get(k); ok {
			if b, ok := asBool(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

func setBool(o object, dst *bool, keys ...string) {
	if b, ok := boolField(o, keys...); ok && b {
		*dst = true
	}
}

func setString(o object, dst *string, keys ...string) {
	if *dst != "" {
		return
	}
	if s, ok := stringField(o, keys...); ok {
		*dst = strings.ToLower(s)
	}
}

type typeScore struct {
	kind  models.AvalancheType
	score int
}

// scoreIndicators weighs the visible indicators for each avalanche type.
func scoreIndicators(obs *models.AvalancheObservation, texture models.SnowTexture, slope *float64) []typeScore {
	steep := obs.SteepSlope || (slope != nil && *slope >= steepSlopeDegrees)
	density := strings.ToLower(obs.SnowDensity)
	width := strings.ToLower(obs.StartingWidth)
	propagation := strings.ToLower(obs.Propagation)
	debris := strings.ToLower(obs.DebrisPattern)

	add := func(cond bool, weight int) int {
		if cond {
			return weight
		}
		return 0
	}

	powder := add(obs.PowderCloud, primaryIndicator) +
		add(texture == models.TextureFluffy, primaryIndicator) +
		add(obs.VerticalMovement, primaryIndicator) +
		add(density == "low", secondaryIndicator) +
		add(propagation == "chaotic", secondaryIndicator) +
		add(steep, secondaryIndicator)

	loose := add(width == "point" || obs.PointRelease, primaryIndicator) +
		add(propagation == "fan", primaryIndicator) +
		add(texture == models.TextureGranular, primaryIndicator) +
		add(debris == "fan-shaped", primaryIndicator) +
		add(!obs.FractureLine, secondaryIndicator) +
		add(density == "low", secondaryIndicator) +
		add(steep, secondaryIndicator)

	slab := add(obs.FractureLine, primaryIndicator) +
		add(texture == models.TextureBlocky, primaryIndicator) +
		add(width == "wide", primaryIndicator) +
		add(propagation == "linear", primaryIndicator) +
		add(density == "high", secondaryIndicator) +
		add(debris == "linear", secondaryIndicator) +
		add(obs.LateralSpread, secondaryIndicator)

	scores := []typeScore{
		{models.AvalanchePowder, powder},
		{models.AvalancheLooseSnow, loose},
		{models.AvalancheSlab, slab},
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	return scores
}

// checkConsistency compares the declared avalanche type with the indicators.
// Disagreement is reported as a warning; the assessment stands.
func checkConsistency(obs *models.AvalancheObservation, texture models.SnowTexture, slope *float64) []models.Warning {
	if obs == nil {
		return nil
	}

	warn := func(msg string) []models.Warning {
		return []models.Warning{{
			Kind:     models.WarningInconsistentClassification,
			Field:    fieldAvalanche,
			Message:  msg,
			Original: string(obs.Type),
		}}
	}

	switch obs.Type {
	case models.AvalancheNone:
		if obs.Present {
			return warn("avalanche reported present but classified as none")
		}
		return nil
	case models.AvalancheUnknown:
		return nil
	}
	if !obs.Present {
		return warn(fmt.Sprintf("avalanche reported absent but classified as %s", obs.Type))
	}

	scores := scoreIndicators(obs, texture, slope)
	top, runnerUp := scores[0], scores[1]
	switch {
	case top.score < minClassificationScore:
		return warn(fmt.Sprintf("insufficient visual evidence for classification (best score %d)", top.score))
	case top.score-runnerUp.score < minScoreMargin:
		return warn(fmt.Sprintf("indicators fit %s (%d) and %s (%d) about equally", top.kind, top.score, runnerUp.kind, runnerUp.score))
	case top.kind != obs.Type:
		w := warn(fmt.Sprintf("indicators point to %s (score %d) but classified as %s", top.kind, top.score, obs.Type))
		w[0].Adjusted = string(top.kind)
		return w
	}
	return nil
}
