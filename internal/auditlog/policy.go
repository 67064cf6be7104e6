package auditlog

import (
	"sort"
	"time"
)

// RetentionPolicy describes whether an entity type is audited and for how long.
type RetentionPolicy struct {
	Enabled       bool
	RetentionDays int
}

// defaultPolicies tiers retention by business criticality: ledgers outlive
// catalog metadata, sessions are not audited.
var defaultPolicies = map[string]RetentionPolicy{
	EntityStockMovement: {Enabled: true, RetentionDays: 1825},
	EntityDeliveryBatch: {Enabled: true, RetentionDays: 1825},
	EntityDelivery:      {Enabled: true, RetentionDays: 1825},
	EntityReturnBatch:   {Enabled: true, RetentionDays: 1825},
	EntityReturn:        {Enabled: true, RetentionDays: 1825},
	EntityStock:         {Enabled: true, RetentionDays: 730},
	EntityUser:          {Enabled: true, RetentionDays: 730},
	EntityWorker:        {Enabled: true, RetentionDays: 365},
	EntityWarehouse:     {Enabled: true, RetentionDays: 365},
	EntityEpp:           {Enabled: true, RetentionDays: 180},
	EntitySession:       {Enabled: false, RetentionDays: 0},
}

// PolicyTable is a static lookup of retention policies per entity type.
type PolicyTable struct {
	policies map[string]RetentionPolicy
	now      func() time.Time
}

// NewPolicyTable builds the default table with optional per-entity overrides
// expressed in days. An override of zero or less disables auditing for the type.
func NewPolicyTable(overrides map[string]int) *PolicyTable {
	policies := make(map[string]RetentionPolicy, len(defaultPolicies)+len(overrides))
	for entity, policy := range defaultPolicies {
		policies[entity] = policy
	}
	for entity, days := range overrides {
		policies[entity] = RetentionPolicy{Enabled: days > 0, RetentionDays: max(days, 0)}
	}
	return &PolicyTable{policies: policies, now: time.Now}
}

// Lookup returns the policy of an entity type; unknown types are disabled.
func (t *PolicyTable) Lookup(entityType string) (RetentionPolicy, bool) {
	if t == nil {
		return RetentionPolicy{}, false
	}
	policy, ok := t.policies[entityType]
	return policy, ok
}

// IsAuditable reports whether changes to entityType are logged.
func (t *PolicyTable) IsAuditable(entityType string) bool {
	policy, ok := t.Lookup(entityType)
	return ok && policy.Enabled
}

// ExpiryOf returns now + retention for the entity type.
func (t *PolicyTable) ExpiryOf(entityType string) time.Time {
	return t.ExpiryFrom(entityType, t.now())
}

// ExpiryFrom returns from + retention for the entity type.
func (t *PolicyTable) ExpiryFrom(entityType string, from time.Time) time.Time {
	policy, _ := t.Lookup(entityType)
	return from.AddDate(0, 0, policy.RetentionDays)
}

// EntityTypes lists the configured entity types in name order.
func (t *PolicyTable) EntityTypes() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.policies))
	for name := range t.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
