package webhook

import (
	"github.com/clubpass/membersync/internal/store"
)

// PlanTable maps purchase identifiers and paid amounts to entitlement tiers.
// Read-only after construction.
type PlanTable struct {
	prices  map[string]store.Role
	amounts map[int64]store.Role
}

// DefaultPlanTable returns the built-in price and amount mappings.
func DefaultPlanTable() *PlanTable {
	return NewPlanTable(
		map[string]store.Role{
			"price_1Rt7ErFD9N3apMZl5ZJra4sW": store.RoleCommunity,
			"price_1Rt7ILFD9N3apMZlt1kpm4Lx": store.RoleBiz,
			"price_1RtmDdFD9N3apMZlul64n316": store.RoleCommunity,
			"price_1RtmDpFD9N3apMZl6QpQyaQt": store.RoleBiz,
		},
		map[int64]store.Role{
			1000: store.RoleCommunity, // 10€
			3500: store.RoleBiz,       // 35€
		},
	)
}

// NewPlanTable builds a plan table from explicit mappings. Entries with an
// unknown role are dropped.
func NewPlanTable(prices map[string]store.Role, amounts map[int64]store.Role) *PlanTable {
	t := &PlanTable{
		prices:  make(map[string]store.Role, len(prices)),
		amounts: make(map[int64]store.Role, len(amounts)),
	}
	for id, role := range prices {
		if id != "" && store.ValidRole(role) {
			t.prices[id] = role
		}
	}
	for amount, role := range amounts {
		if amount > 0 && store.ValidRole(role) {
			t.amounts[amount] = role
		}
	}
	return t
}

// Resolve maps a purchase to an entitlement tier. The price ID wins over the
// amount; anything unmapped degrades to the member default so reconciliation
// never fails over an unknown price.
func (t *PlanTable) Resolve(priceID string, amountCents int64) store.Role {
	if priceID != "" {
		if role, ok := t.prices[priceID]; ok {
			return role
		}
	}
	if amountCents > 0 {
		if role, ok := t.amounts[amountCents]; ok {
			return role
		}
	}
	return store.RoleMember
}
