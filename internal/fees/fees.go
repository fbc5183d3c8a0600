// Package fees computes how a consultation fee splits between the platform,
// the payment processor and the doctor.
package fees

import (
	"github.com/shopspring/decimal"
)

type Bearer string

const (
	BearerDoctor  Bearer = "doctor"
	BearerPatient Bearer = "patient"
)

// Policy is the platform-wide pricing configuration.
type Policy struct {
	CommissionPercent    decimal.Decimal
	ProcessingFeePercent decimal.Decimal
	ProcessingFeeBearer  Bearer
}

func NewPolicy(commissionPercent, processingPercent float64, bearer string) Policy {
	return Policy{
		CommissionPercent:    decimal.NewFromFloat(commissionPercent),
		ProcessingFeePercent: decimal.NewFromFloat(processingPercent),
		ProcessingFeeBearer:  Bearer(bearer),
	}
}

// Breakdown is the priced result of one appointment. All amounts are
// rounded to 2 decimal places, half-up.
type Breakdown struct {
	ConsultationFee   decimal.Decimal `json:"consultationFee"`
	CommissionPercent decimal.Decimal `json:"commissionPercent"`
	Commission        decimal.Decimal `json:"commission"`
	ProcessingFee     decimal.Decimal `json:"processingFee"`
	GrossAmount       decimal.Decimal `json:"grossAmount"`
	DoctorEarning     decimal.Decimal `json:"doctorEarning"`
}

var hundred = decimal.NewFromInt(100)

func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(percent).Div(hundred))
}

// grossUp returns the charge whose processing fee, taken as percent of the
// charge itself, leaves fee for the platform and doctor.
func grossUp(fee, percent decimal.Decimal) decimal.Decimal {
	rest := hundred.Sub(percent)
	if !rest.IsPositive() {
		return fee
	}
	return Round(fee.Mul(hundred).Div(rest))
}

// Round rounds half away from zero, which is half-up for the non-negative
// amounts handled here.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Compute prices a consultation. override, when non-nil, is the provider's
// own commission percent and wins over the platform default. The processing
// fee applies only to online payments and is a percent of the gross charge;
// when the patient bears it the charge is grossed up to cover it.
func (p Policy) Compute(fee decimal.Decimal, override *decimal.Decimal, onlinePayment bool) Breakdown {
	fee = Round(fee)
	commissionPct := p.CommissionPercent
	if override != nil {
		commissionPct = *override
	}

	b := Breakdown{
		ConsultationFee:   fee,
		CommissionPercent: commissionPct,
		Commission:        percentOf(fee, commissionPct),
		ProcessingFee:     decimal.Zero,
		GrossAmount:       fee,
	}

	if onlinePayment {
		if p.ProcessingFeeBearer == BearerPatient {
			b.GrossAmount = grossUp(fee, p.ProcessingFeePercent)
			b.ProcessingFee = b.GrossAmount.Sub(fee)
		} else {
			b.ProcessingFee = percentOf(fee, p.ProcessingFeePercent)
		}
	}

	b.DoctorEarning = fee.Sub(b.Commission)
	if onlinePayment && p.ProcessingFeeBearer != BearerPatient {
		b.DoctorEarning = b.DoctorEarning.Sub(b.ProcessingFee)
	}
	return b
}

// MinorUnits converts an amount into the gateway's smallest currency unit.
func MinorUnits(d decimal.Decimal) int64 {
	return Round(d).Shift(2).IntPart()
}
