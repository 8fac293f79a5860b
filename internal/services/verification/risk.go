package verification

import (
	"github.com/civicos/identity-service/internal/models"
)

// Risk score contributions, applied additively in rule order
const (
	riskDuplicateID   = 40
	riskDuplicateFace = 35
	riskDuplicateIP   = 15
	riskLowFaceMatch  = 25
)

// Flagged reason texts, reported in rule order
const (
	ReasonDuplicateID   = "Duplicate ID number detected"
	ReasonDuplicateFace = "Similar face detected in system"
	ReasonDuplicateIP   = "Multiple accounts from same IP"
	ReasonLowFaceMatch  = "Low face match score"
)

// RiskScorer derives a risk score from a record's accumulated flags
type RiskScorer struct {
	// FaceMatchThreshold is the score below which a face match adds risk
	FaceMatchThreshold int
}

// Score computes the risk score and flagged reasons for a record. It is a
// pure function of the record's fields: it never mutates its input and never
// touches storage. The score is an uncapped sum; reasons keep rule order.
func (s RiskScorer) Score(record *models.VerificationRecord) (int, []string) {
	score := 0
	var reasons []string

	if record.DuplicateID {
		score += riskDuplicateID
		reasons = append(reasons, ReasonDuplicateID)
	}
	if record.DuplicateFace {
		score += riskDuplicateFace
		reasons = append(reasons, ReasonDuplicateFace)
	}
	if record.DuplicateIP {
		score += riskDuplicateIP
		reasons = append(reasons, ReasonDuplicateIP)
	}
	if record.FaceMatchScore != nil && *record.FaceMatchScore < s.FaceMatchThreshold {
		score += riskLowFaceMatch
		reasons = append(reasons, ReasonLowFaceMatch)
	}

	return score, reasons
}
