package plan

import (
	"github.com/labledger/labledger/internal/domain"
)

// Plan codes.
const (
	Starter      = "STARTER"
	Professional = "PROFESSIONAL"
	Enterprise   = "ENTERPRISE"
)

// PriceIDs holds the external processor price references, one per plan.
// These come from configuration; the catalog never invents them.
type PriceIDs struct {
	Starter      string
	Professional string
	Enterprise   string
}

// Catalog maps plan codes to pricing and entitlement facts. Read-only after
// construction; entitlement limits are copied onto subscriptions at issue
// time, so later catalog edits never alter an existing subscription.
type Catalog struct {
	plans map[string]domain.Plan
	order []string
}

// NewCatalog builds the static catalog with the configured price references.
func NewCatalog(prices PriceIDs) *Catalog {
	plans := []domain.Plan{
		{
			Code:       Starter,
			Name:       "Starter",
			PriceCents: 4900,
			Currency:   "usd",
			Interval:   "month",
			Features:   []string{"equipment_tracking", "calibration_reminders"},
			Limits: domain.PlanLimits{
				EquipmentItems:   10,
				ComplianceChecks: 50,
				TeamMembers:      3,
				StorageBytes:     1 << 30,
			},
			ProviderPriceID: prices.Starter,
		},
		{
			Code:       Professional,
			Name:       "Professional",
			PriceCents: 14900,
			Currency:   "usd",
			Interval:   "month",
			Features:   []string{"equipment_tracking", "calibration_reminders", "compliance_reports", "audit_exports"},
			Limits: domain.PlanLimits{
				EquipmentItems:   50,
				ComplianceChecks: 500,
				TeamMembers:      10,
				StorageBytes:     10 << 30,
			},
			ProviderPriceID: prices.Professional,
		},
		{
			Code:       Enterprise,
			Name:       "Enterprise",
			PriceCents: 49900,
			Currency:   "usd",
			Interval:   "month",
			Features:   []string{"equipment_tracking", "calibration_reminders", "compliance_reports", "audit_exports", "sso", "priority_support"},
			Limits: domain.PlanLimits{
				EquipmentItems:   domain.UnlimitedLimit,
				ComplianceChecks: domain.UnlimitedLimit,
				TeamMembers:      domain.UnlimitedLimit,
				StorageBytes:     domain.UnlimitedLimit,
			},
			ProviderPriceID: prices.Enterprise,
		},
	}

	c := &Catalog{plans: make(map[string]domain.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.Code] = p
		c.order = append(c.order, p.Code)
	}
	return c
}

// Resolve translates a plan code into pricing and entitlement facts.
func (c *Catalog) Resolve(code string) (domain.Plan, error) {
	p, ok := c.plans[code]
	if !ok {
		return domain.Plan{}, domain.NotFound("plan.resolve", "plan", code)
	}
	return p, nil
}

// List returns all plans in display order.
func (c *Catalog) List() []domain.Plan {
	out := make([]domain.Plan, 0, len(c.order))
	for _, code := range c.order {
		out = append(out, c.plans[code])
	}
	return out
}
