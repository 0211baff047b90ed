package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// MaxMovementRunes caps predicted_movement_pattern.
const MaxMovementRunes = 600

const (
	fieldOverallRisk = "overall_risk"
	fieldConfidence  = "confidence"
	fieldTexture     = "snow_texture"
	fieldTerrain     = "terrain_features"
	fieldMovement    = "predicted_movement_pattern"
	fieldSlope       = "slope_angle_estimate_degrees"
	fieldAvalanche   = "avalanche"
)

// fieldAliases lists alternative keys models use for the same field.
var fieldAliases = map[string][]string{
	fieldOverallRisk: {"risk_level", "risk", "danger_level", "overall_risk_level"},
	fieldConfidence:  {"confidence_level", "confidence_score"},
	fieldTexture:     {"texture"},
	fieldTerrain:     {"terrain"},
	fieldMovement:    {"movement_pattern", "predicted_movement"},
	fieldSlope:       {"slope_angle", "slope_angle_degrees", "slope_angle_estimate"},
}

// object wraps a decoded JSON object with tolerant key lookup.
type object struct {
	fields     map[string]json.RawMessage
	normalized map[string]json.RawMessage
}

func newObject(fields map[string]json.RawMessage) object {
	o := object{fields: fields, normalized: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		o.normalized[normalizeKey(k)] = v
	}
	return o
}

// get returns the value for name, trying aliases, and treats null as absent.
func (o object) get(name string) (json.RawMessage, bool) {
	keys := append([]string{name}, fieldAliases[name]...)
	for _, k := range keys {
		if v, ok := o.fields[k]; ok && !isNull(v) {
			return v, true
		}
	}
	for _, k := range keys {
		if v, ok := o.normalized[normalizeKey(k)]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func normalizeKey(k string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToLower(k))
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func asString(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func asNumber(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	return f, finite(f)
}

func asBool(v json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b, true
	}
	if s, ok := asString(v); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "y", "present", "visible":
			return true, true
		case "false", "no", "n", "none", "absent":
			return false, true
		}
	}
	return false, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func clampWarning(field string, original, adjusted float64) models.Warning {
	return models.Warning{
		Kind:     models.WarningClampedField,
		Field:    field,
		Message:  fmt.Sprintf("%s out of range, clamped", field),
		Original: formatNumber(original),
		Adjusted: formatNumber(adjusted),
	}
}

func clamp(f, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, f))
}

// decodeRisk returns ok=false when the value is absent or matches no level.
func decodeRisk(v json.RawMessage) (models.RiskLevel, []models.Warning, bool) {
	if n, ok := asNumber(v); ok {
		level, ok := riskFromNumber(n)
		return level, nil, ok
	}
	s, ok := asString(v)
	if !ok {
		return "", nil, false
	}
	level, match, ok := matchRisk(s)
	if !ok {
		return "", nil, false
	}
	var warnings []models.Warning
	if match.fuzzy {
		msg := "risk level matched approximately"
		if match.ranged {
			msg = "risk range reduced to its higher level"
		}
		warnings = append(warnings, models.Warning{
			Kind:     models.WarningFuzzyEnumMatch,
			Field:    fieldOverallRisk,
			Message:  msg,
			Original: s,
			Adjusted: string(level),
		})
	}
	return level, warnings, true
}

// decodeConfidence accepts fractions and percent strings. Bare numbers are
// never rescaled.
func decodeConfidence(v json.RawMessage) (float64, []models.Warning, bool) {
	var value float64
	if n, ok := asNumber(v); ok {
		value = n
	} else if s, ok := asString(v); ok {
		s = strings.TrimSpace(s)
		percent := strings.HasSuffix(s, "%")
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || !finite(f) {
			return 0, nil, false
		}
		if percent {
			f /= 100
		}
		value = f
	} else {
		return 0, nil, false
	}

	if value < 0 || value > 1 {
		adjusted := clamp(value, 0, 1)
		return adjusted, []models.Warning{clampWarning(fieldConfidence, value, adjusted)}, true
	}
	return value, nil, true
}

// decodeTexture maps strings, lists and flag objects to one texture.
func decodeTexture(v json.RawMessage) (models.SnowTexture, []models.Warning) {
	var tokens []string
	var original string

	if s, ok := asString(v); ok {
		tokens, original = []string{s}, s
	} else if list, ok := asStringList(v); ok {
		tokens, original = list, strings.Join(list, ", ")
	} else {
		var flags map[string]json.RawMessage
		if err := json.Unmarshal(v, &flags); err == nil {
			keys := make([]string, 0, len(flags))
			for k := range flags {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if b, ok := asBool(flags[k]); ok && b {
					tokens = append(tokens, k)
				}
			}
			original = strings.Join(tokens, ", ")
		}
	}

	found, fuzzy := matchTextures(tokens)
	texture := resolveTexture(found)

	var warnings []models.Warning
	if fuzzy {
		warnings = append(warnings, models.Warning{
			Kind:     models.WarningFuzzyEnumMatch,
			Field:    fieldTexture,
			Message:  "snow texture matched approximately",
			Original: original,
			Adjusted: string(texture),
		})
	}
	return texture, warnings
}

func asStringList(v json.RawMessage) ([]string, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := asString(item); ok {
			out = append(out, s)
		}
	}
	return out, true
}

var terrainSplitter = regexp.MustCompile(`[,;\n]+`)

// decodeTerrain returns trimmed, non-empty, case-insensitively unique features.
func decodeTerrain(v json.RawMessage) ([]string, []models.Warning, bool) {
	var raw []string

	switch {
	case isArray(v):
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, nil, false
		}
		for _, item := range items {
			if s, ok := asString(item); ok {
				raw = append(raw, s)
				continue
			}
			var named struct {
				Name    string `json:"name"`
				Feature string `json:"feature"`
			}
			if json.Unmarshal(item, &named) == nil {
				if named.Name != "" {
					raw = append(raw, named.Name)
				} else if named.Feature != "" {
					raw = append(raw, named.Feature)
				}
			}
		}
	case isObject(v):
		raw = flattenTerrainObject(v)
	default:
		s, ok := asString(v)
		if !ok {
			return nil, nil, false
		}
		raw = terrainSplitter.Split(s, -1)
	}

	features := make([]string, 0, len(raw))
	seen := map[string]bool{}
	var dupes []string
	for _, f := range raw {
		f = strings.Join(strings.Fields(f), " ")
		if f == "" {
			continue
		}
		key := strings.ToLower(f)
		if seen[key] {
			dupes = append(dupes, f)
			continue
		}
		seen[key] = true
		features = append(features, f)
	}

	var warnings []models.Warning
	if len(dupes) > 0 {
		warnings = append(warnings, models.Warning{
			Kind:     models.WarningDeduplicatedField,
			Field:    fieldTerrain,
			Message:  fmt.Sprintf("removed %d duplicate terrain feature(s)", len(dupes)),
			Original: strings.Join(dupes, ", "),
		})
	}
	return features, warnings, true
}

// flattenTerrainObject turns {"convex_rollover": true, "surface_roughness":
// "rough"} into ["convex rollover", "surface roughness: rough"].
func flattenTerrainObject(v json.RawMessage) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil {
		return nil
	}
	keys := sortedKeys(obj)
	var out []string
	for _, k := range keys {
		label := strings.ReplaceAll(k, "_", " ")
		if b, ok := asBool(obj[k]); ok {
			if b {
				out = append(out, label)
			}
			continue
		}
		if text := scalarText(obj[k]); text != "" {
			out = append(out, label+": "+text)
		}
	}
	return out
}

// decodeMovement accepts text, a list of clauses or an object flattened into
// "key: value" clauses in key order. Output is capped at MaxMovementRunes.
func decodeMovement(v json.RawMessage) (string, []models.Warning, bool) {
	var text string
	switch {
	case isObject(v):
		text = flattenObject(v)
	case isArray(v):
		list, _ := asStringList(v)
		text = strings.Join(list, "; ")
	default:
		s, ok := asString(v)
		if !ok {
			return "", nil, false
		}
		text = s
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, false
	}

	var warnings []models.Warning
	if n := len([]rune(text)); n > MaxMovementRunes {
		text = truncateRunes(text, MaxMovementRunes)
		warnings = append(warnings, models.Warning{
			Kind:     models.WarningTruncatedField,
			Field:    fieldMovement,
			Message:  fmt.Sprintf("text truncated from %d to %d characters", n, MaxMovementRunes),
			Original: strconv.Itoa(n),
			Adjusted: strconv.Itoa(MaxMovementRunes),
		})
	}
	return text, warnings, true
}

func flattenObject(v json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil {
		return ""
	}
	var clauses []string
	for _, k := range sortedKeys(obj) {
		if text := scalarText(obj[k]); text != "" {
			clauses = append(clauses, strings.ReplaceAll(k, "_", " ")+": "+text)
		}
	}
	return strings.Join(clauses, "; ")
}

// scalarText renders a JSON value as short prose.
func scalarText(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	if s, ok := asString(v); ok {
		return strings.TrimSpace(s)
	}
	if b, ok := asBool(v); ok {
		if b {
			return "yes"
		}
		return "no"
	}
	if n, ok := asNumber(v); ok {
		return formatNumber(n)
	}
	if isArray(v) {
		var items []json.RawMessage
		if json.Unmarshal(v, &items) == nil {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				if t := scalarText(item); t != "" {
					parts = append(parts, t)
				}
			}
			return strings.Join(parts, ", ")
		}
	}
	if isObject(v) {
		return flattenObject(v)
	}
	return ""
}

var (
	numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	// Two numbers form a range only when a separator joins them.
	slopeRangePattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(?:°|deg(?:rees?)?)?\s*(?:-|–|—|to)\s*(-?\d+(?:\.\d+)?)`)
)

// decodeSlope accepts numbers, "38°", "about 35 degrees" and ranges
// ("30-45" or "30 to 45" give the midpoint). Unjoined extra numbers are
// ignored. The bool result is false when the value was present but
// unusable; the caller records that as a dropped field.
func decodeSlope(v json.RawMessage) (*float64, []models.Warning, bool) {
	var value float64
	if n, ok := asNumber(v); ok {
		value = n
	} else if s, ok := asString(v); ok {
		if m := slopeRangePattern.FindStringSubmatch(s); m != nil {
			a, errA := strconv.ParseFloat(m[1], 64)
			b, errB := strconv.ParseFloat(m[2], 64)
			if errA != nil || errB != nil {
				return nil, nil, false
			}
			value = (a + b) / 2
		} else {
			first := numberPattern.FindString(s)
			if first == "" {
				return nil, nil, false
			}
			n, err := strconv.ParseFloat(first, 64)
			if err != nil {
				return nil, nil, false
			}
			value = n
		}
	} else {
		return nil, nil, false
	}

	if !finite(value) {
		return nil, nil, false
	}
	var warnings []models.Warning
	if value < 0 || value > 90 {
		adjusted := clamp(value, 0, 90)
		warnings = append(warnings, clampWarning(fieldSlope, value, adjusted))
		value = adjusted
	}
	return &value, warnings, true
}

func isArray(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '['
}

func isObject(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) > 0 && t[0] == '{'
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
