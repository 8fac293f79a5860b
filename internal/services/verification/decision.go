package verification

import (
	"github.com/civicos/identity-service/internal/models"
)

// DecisionGate decides between auto-approval and manual review once the
// terms step completes
type DecisionGate struct {
	// Threshold is the highest risk score still eligible for auto-approval
	Threshold int
}

// Decide reports whether a record qualifies for auto-approval. Records above
// the threshold go to the manual review queue; that outcome is a valid
// pending state, not a failure.
func (g DecisionGate) Decide(record *models.VerificationRecord) bool {
	risk := 0
	if record.RiskScore != nil {
		risk = *record.RiskScore
	}
	return risk <= g.Threshold
}
