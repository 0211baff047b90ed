package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/arbovm/levenshtein"

	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// maxFuzzyDistance is the largest edit distance accepted for an enum token.
// Shorter tokens get less, see fuzzyBudget.
const maxFuzzyDistance = 2

var riskSynonyms = map[string]models.RiskLevel{
	"minimal":      models.RiskLow,
	"very low":     models.RiskLow,
	"slight":       models.RiskLow,
	"medium":       models.RiskModerate,
	"limited":      models.RiskModerate,
	"marked":       models.RiskConsiderable,
	"elevated":     models.RiskConsiderable,
	"significant":  models.RiskConsiderable,
	"substantial":  models.RiskConsiderable,
	"severe":       models.RiskHigh,
	"very high":    models.RiskExtreme,
	"catastrophic": models.RiskExtreme,
}

// fillerWords are dropped before matching risk tokens.
var fillerWords = map[string]bool{
	"risk": true, "danger": true, "avalanche": true, "level": true,
	"the": true, "of": true, "is": true, "overall": true, "rating": true,
}

// negationWords make a risk token unrecognised: "not high" names no level.
var negationWords = map[string]bool{
	"not": true, "no": true, "non": true, "never": true, "without": true, "isnt": true,
}

// spellOutRiskHyphens turns "considerable-to-high" and "very-high" into
// words so the range pattern splits on the right join.
func spellOutRiskHyphens(s string) string {
	s = strings.ReplaceAll(" "+s+" ", "-to-", " to ")
	s = strings.ReplaceAll(s, " very-", " very ")
	return strings.Join(strings.Fields(s), " ")
}

var dangerLevelPattern = regexp.MustCompile(`\b([1-5])\b`)

// enumMatch is the outcome of matching a free-text token against an enum.
type enumMatch struct {
	value  string
	fuzzy  bool
	ranged bool
}

// matchRisk maps a model token to a risk level. ok is false when nothing
// matches; there is no fallback level.
func matchRisk(token string) (models.RiskLevel, enumMatch, bool) {
	cleaned := spellOutRiskHyphens(normalizeToken(token))
	if cleaned == "" {
		return "", enumMatch{}, false
	}
	for _, w := range strings.FieldsFunc(cleaned, func(r rune) bool { return r == ' ' || r == '-' }) {
		if negationWords[w] {
			return "", enumMatch{}, false
		}
	}
	if level, ok := exactRisk(cleaned); ok {
		return level, enumMatch{value: string(level)}, true
	}

	words := strings.Fields(cleaned)
	kept := words[:0:0]
	for _, w := range words {
		if !fillerWords[w] {
			kept = append(kept, w)
		}
	}
	stripped := strings.Join(kept, " ")
	if level, ok := exactRisk(stripped); ok {
		return level, enumMatch{value: string(level)}, true
	}

	// "low to moderate" and "moderate-considerable" collapse to the higher level.
	if m := riskRangePattern.FindStringSubmatch(stripped); m != nil {
		lo, okLo := exactRisk(strings.TrimSpace(m[1]))
		hi, okHi := exactRisk(strings.TrimSpace(m[2]))
		if okLo && okHi {
			if riskRank(lo) > riskRank(hi) {
				hi = lo
			}
			return hi, enumMatch{value: string(hi), fuzzy: true, ranged: true}, true
		}
	}

	// "very high" must win over "high" when both appear.
	found := map[models.RiskLevel]bool{}
	for i := 0; i < len(kept); i++ {
		if i+1 < len(kept) {
			if level, ok := exactRisk(kept[i] + " " + kept[i+1]); ok {
				found[level] = true
				i++
				continue
			}
		}
		if level, ok := exactRisk(kept[i]); ok {
			found[level] = true
		}
	}
	if len(found) == 1 {
		for level := range found {
			return level, enumMatch{value: string(level)}, true
		}
	}
	if len(found) > 1 {
		return "", enumMatch{}, false
	}

	if m := dangerLevelPattern.FindStringSubmatch(cleaned); m != nil {
		n, _ := strconv.Atoi(m[1])
		level := models.RiskLevels[n-1]
		return level, enumMatch{value: string(level)}, true
	}

	names := make([]string, len(models.RiskLevels))
	for i, l := range models.RiskLevels {
		names[i] = string(l)
	}
	for _, candidate := range append([]string{stripped}, kept...) {
		if best, ok := closest(candidate, names); ok {
			return models.RiskLevel(best), enumMatch{value: best, fuzzy: true}, true
		}
	}
	return "", enumMatch{}, false
}

var riskRangePattern = regexp.MustCompile(`^(.+?)\s*(?:-|\bto\b)\s*(.+)$`)

func riskRank(l models.RiskLevel) int {
	for i, level := range models.RiskLevels {
		if level == l {
			return i
		}
	}
	return -1
}

func exactRisk(s string) (models.RiskLevel, bool) {
	for _, l := range models.RiskLevels {
		if s == string(l) {
			return l, true
		}
	}
	if l, ok := riskSynonyms[s]; ok {
		return l, true
	}
	return "", false
}

// riskFromNumber accepts European danger levels 1..5.
func riskFromNumber(n float64) (models.RiskLevel, bool) {
	if n != float64(int(n)) || n < 1 || n > 5 {
		return "", false
	}
	return models.RiskLevels[int(n)-1], true
}

var textureSynonyms = map[string]models.SnowTexture{
	"granular": models.TextureGranular,
	"grainy":   models.TextureGranular,
	"sugary":   models.TextureGranular,
	"corn":     models.TextureGranular,
	"crusty":   models.TextureGranular,
	"icy":      models.TextureGranular,
	"faceted":  models.TextureGranular,
	"blocky":   models.TextureBlocky,
	"chunky":   models.TextureBlocky,
	"slab":     models.TextureBlocky,
	"cohesive": models.TextureBlocky,
	"fluffy":   models.TextureFluffy,
	"powder":   models.TextureFluffy,
	"powdery":  models.TextureFluffy,
	"light":    models.TextureFluffy,
	"mixed":    models.TextureMixed,
	"variable": models.TextureMixed,
	"varied":   models.TextureMixed,
	"unknown":  models.TextureUnknown,
}

var textureSplitter = regexp.MustCompile(`\s*(?:,|/|&|\+|;|\band\b|\bwith\b)\s*`)

// matchTextures maps each listed texture to the enum. Unknown tokens are
// skipped, and fuzzy reports whether any token needed edit-distance matching.
func matchTextures(tokens []string) (found []models.SnowTexture, fuzzy bool) {
	seen := map[models.SnowTexture]bool{}
	add := func(t models.SnowTexture) {
		if !seen[t] {
			seen[t] = true
			found = append(found, t)
		}
	}

	names := make([]string, 0, len(textureSynonyms))
	for k := range textureSynonyms {
		names = append(names, k)
	}

	for _, raw := range tokens {
		for _, part := range textureSplitter.Split(normalizeToken(raw), -1) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, ok := textureSynonyms[part]; ok {
				add(t)
				continue
			}
			matched := false
			for _, w := range strings.Fields(part) {
				if t, ok := textureSynonyms[w]; ok {
					add(t)
					matched = true
				}
			}
			if matched {
				continue
			}
			if best, ok := closest(part, names); ok {
				add(textureSynonyms[best])
				fuzzy = true
			}
		}
	}
	return found, fuzzy
}

// resolveTexture collapses matched textures to a single value.
func resolveTexture(found []models.SnowTexture) models.SnowTexture {
	var concrete []models.SnowTexture
	mixed := false
	for _, t := range found {
		switch t {
		case models.TextureMixed:
			mixed = true
		case models.TextureUnknown:
		default:
			concrete = append(concrete, t)
		}
	}
	switch {
	case len(concrete) > 1 || mixed:
		return models.TextureMixed
	case len(concrete) == 1:
		return concrete[0]
	default:
		return models.TextureUnknown
	}
}

var avalancheTypeSynonyms = map[string]models.AvalancheType{
	"powder":          models.AvalanchePowder,
	"powder cloud":    models.AvalanchePowder,
	"dry powder":      models.AvalanchePowder,
	"loose-snow":      models.AvalancheLooseSnow,
	"loose snow":      models.AvalancheLooseSnow,
	"loose":           models.AvalancheLooseSnow,
	"point release":   models.AvalancheLooseSnow,
	"sluff":           models.AvalancheLooseSnow,
	"slab":            models.AvalancheSlab,
	"wind slab":       models.AvalancheSlab,
	"storm slab":      models.AvalancheSlab,
	"persistent slab": models.AvalancheSlab,
	"none":            models.AvalancheNone,
	"no":              models.AvalancheNone,
	"no avalanche":    models.AvalancheNone,
}

func matchAvalancheType(token string) models.AvalancheType {
	cleaned := strings.TrimSuffix(normalizeToken(token), " avalanche")
	if cleaned == "" {
		return models.AvalancheUnknown
	}
	if t, ok := avalancheTypeSynonyms[cleaned]; ok {
		return t
	}
	names := make([]string, 0, len(avalancheTypeSynonyms))
	for k := range avalancheTypeSynonyms {
		names = append(names, k)
	}
	if best, ok := closest(cleaned, names); ok && len(cleaned) > 3 {
		return avalancheTypeSynonyms[best]
	}
	return models.AvalancheUnknown
}

// fuzzyBudget is the edit distance allowed for a token of n runes. Tokens
// under four runes are never matched approximately.
func fuzzyBudget(n int) int {
	switch {
	case n < 4:
		return 0
	case n < 6:
		return 1
	default:
		return maxFuzzyDistance
	}
}

// closest returns the unique candidate within the fuzzy budget of s.
func closest(s string, candidates []string) (string, bool) {
	budget := fuzzyBudget(len([]rune(s)))
	if budget == 0 {
		return "", false
	}
	best, bestDist, tie := "", budget+1, false
	for _, c := range candidates {
		d := levenshtein.Distance(s, c)
		switch {
		case d < bestDist:
			best, bestDist, tie = c, d, false
		case d == bestDist && c != best:
			tie = true
		}
	}
	if best == "" || tie {
		return "", false
	}
	return best, true
}

// normalizeToken lower-cases, trims and collapses punctuation to spaces,
// keeping hyphens and slashes that carry meaning.
func normalizeToken(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '/', r == ',', r == '&', r == '+', r == ';':
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
