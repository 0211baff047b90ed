// Package parser turns a raw model reply into a validated RiskAssessment.
//
// Parsing is tolerant of presentation (code fences, percent strings, near-miss
// enum tokens, out-of-range numbers) and strict about substance: a required
// field that is missing or unrecognisable rejects the whole reply.
package parser

import (
	"strings"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// Parse validates raw. It never returns a partial assessment.
func Parse(raw *models.RawModelReply) (*models.RiskAssessment, error) {
	gen, err := extractContent(raw)
	if err != nil {
		return nil, err
	}
	fields, err := locateObject(gen)
	if err != nil {
		return nil, err
	}
	obj := newObject(fields)

	a := &models.RiskAssessment{
		Provider: string(raw.Format),
		Model:    raw.Model,
	}
	if a.Provider == "" {
		a.Provider = string(models.EnvelopeOpenAI)
	}
	// missing lists absent or null fields, unrecognised present ones that
	// could not be read. Either rejects the reply.
	var missing, unrecognised []string

	if v, ok := obj.get(fieldOverallRisk); ok {
		level, warnings, ok := decodeRisk(v)
		if ok {
			a.OverallRisk = level
			a.Warnings = append(a.Warnings, warnings...)
		} else {
			unrecognised = append(unrecognised, fieldOverallRisk)
		}
	} else {
		missing = append(missing, fieldOverallRisk)
	}

	if v, ok := obj.get(fieldConfidence); ok {
		conf, warnings, ok := decodeConfidence(v)
		if ok {
			a.Confidence = conf
			a.Warnings = append(a.Warnings, warnings...)
		} else {
			unrecognised = append(unrecognised, fieldConfidence)
		}
	} else {
		missing = append(missing, fieldConfidence)
	}

	if v, ok := obj.get(fieldTexture); ok {
		texture, warnings := decodeTexture(v)
		a.SnowTexture = texture
		a.Warnings = append(a.Warnings, warnings...)
	} else {
		missing = append(missing, fieldTexture)
	}

	if v, ok := obj.get(fieldTerrain); ok {
		features, warnings, ok := decodeTerrain(v)
		if ok {
			a.TerrainFeatures = features
			a.Warnings = append(a.Warnings, warnings...)
		} else {
			unrecognised = append(unrecognised, fieldTerrain)
		}
	} else {
		missing = append(missing, fieldTerrain)
	}

	if v, ok := obj.get(fieldMovement); ok {
		text, warnings, ok := decodeMovement(v)
		if ok {
			a.PredictedMovementPattern = text
			a.Warnings = append(a.Warnings, warnings...)
		} else {
			unrecognised = append(unrecognised, fieldMovement)
		}
	} else {
		missing = append(missing, fieldMovement)
	}

	if len(missing) > 0 || len(unrecognised) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "reply is missing required fields: "+strings.Join(missing, ", "))
		}
		if len(unrecognised) > 0 {
			parts = append(parts, "reply has unrecognised values for required fields: "+strings.Join(unrecognised, ", "))
		}
		return nil, apperrors.NewIncompleteAssessmentError(strings.Join(parts, "; "), nil)
	}

	if v, ok := obj.get(fieldSlope); ok {
		slope, warnings, ok := decodeSlope(v)
		if ok {
			a.SlopeAngleDegrees = slope
			a.Warnings = append(a.Warnings, warnings...)
		} else {
			a.AddWarning(droppedWarning(fieldSlope, v))
		}
	}

	if v, ok := obj.get(fieldAvalanche); ok {
		obs, ok := decodeAvalanche(v)
		if ok {
			a.Avalanche = obs
		} else {
			a.AddWarning(droppedWarning(fieldAvalanche, v))
		}
	} else if obs, ok := legacyAvalanche(obj); ok {
		a.Avalanche = obs
	}
	a.Warnings = append(a.Warnings, checkConsistency(a.Avalanche, a.SnowTexture, a.SlopeAngleDegrees)...)

	return a, nil
}

func droppedWarning(field string, v []byte) models.Warning {
	return models.Warning{
		Kind:     models.WarningDroppedField,
		Field:    field,
		Message:  field + " could not be interpreted and was dropped",
		Original: truncateRunes(strings.TrimSpace(string(v)), 80),
	}
}
