package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

var hundred = decimal.NewFromInt(100)

// Met reports whether acknowledged meets the request's quorum. It only looks
// at the thresholds fixed on the request, never at live stakeholder lists.
func Met(req *contracts.AcknowledgmentRequest, acknowledged int) bool {
	return Evaluate(req.Mode, req.RequiredCount, req.RequiredPercent, req.EligibleCount, acknowledged)
}

// Evaluate is the pure quorum check.
//
// COUNT: acknowledged >= requiredCount.
// PERCENT: acknowledged*100 >= requiredPercent*eligible, compared in decimal
// so that 80% of 10 needs exactly 8.
func Evaluate(mode contracts.QuorumMode, requiredCount int, requiredPercent decimal.Decimal, eligible, acknowledged int) bool {
	switch mode {
	case contracts.QuorumCount:
		return requiredCount > 0 && acknowledged >= requiredCount
	case contracts.QuorumPercent:
		if eligible <= 0 || !requiredPercent.IsPositive() {
			return false
		}
		lhs := decimal.NewFromInt(int64(acknowledged)).Mul(hundred)
		rhs := requiredPercent.Mul(decimal.NewFromInt(int64(eligible)))
		return lhs.GreaterThanOrEqual(rhs)
	default:
		return false
	}
}

// Needed returns how many acknowledgments complete the request.
func Needed(req *contracts.AcknowledgmentRequest) int {
	switch req.Mode {
	case contracts.QuorumCount:
		return req.RequiredCount
	case contracts.QuorumPercent:
		if req.EligibleCount <= 0 {
			return 0
		}
		n := req.RequiredPercent.Mul(decimal.NewFromInt(int64(req.EligibleCount))).Div(hundred).Ceil()
		return int(n.IntPart())
	}
	return 0
}

// Progress summarizes a request for display.
type Progress struct {
	Mode          contracts.QuorumMode    `json:"mode"`
	Threshold     decimal.Decimal         `json:"threshold"`
	Acknowledged  int                     `json:"acknowledged"`
	Eligible      int                     `json:"eligible"`
	Needed        int                     `json:"needed"`
	Percent       decimal.Decimal         `json:"percent"`
	ThresholdMet  bool                    `json:"threshold_met"`
	Status        contracts.RequestStatus `json:"status"`
	VersionNumber int                     `json:"version_number"`
}

// ProgressOf reports progress from the request's cached count.
func ProgressOf(req *contracts.AcknowledgmentRequest) Progress {
	p := Progress{
		Mode:          req.Mode,
		Acknowledged:  req.AcknowledgedCount,
		Eligible:      req.EligibleCount,
		Needed:        Needed(req),
		ThresholdMet:  Met(req, req.AcknowledgedCount),
		Status:        req.Status,
		VersionNumber: req.VersionNumber,
		Percent:       decimal.Zero,
	}
	if req.Mode == contracts.QuorumCount {
		p.Threshold = decimal.NewFromInt(int64(req.RequiredCount))
	} else {
		p.Threshold = req.RequiredPercent
	}
	if req.EligibleCount > 0 {
		p.Percent = decimal.NewFromInt(int64(req.AcknowledgedCount)).Mul(hundred).
			Div(decimal.NewFromInt(int64(req.EligibleCount))).Round(1)
	}
	return p
}
