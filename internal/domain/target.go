package domain

// TargetRuleIdentifier names the single scope a rule belongs to:
// an ISO, a merchant, or a pricing group. Exactly one field is set.
type TargetRuleIdentifier struct {
	IsoID          string
	MerchantID     string
	PricingGroupID string
}

// NewTargetRuleIdentifier builds a rule target from the three optional
// scope fields. Zero or more than one non-empty field fails with
// TargetIdentificationError.
func NewTargetRuleIdentifier(isoID, merchantID, pricingGroupID string) (TargetRuleIdentifier, error) {
	var set []string
	if isoID != "" {
		set = append(set, "isoId")
	}
	if merchantID != "" {
		set = append(set, "merchantId")
	}
	if pricingGroupID != "" {
		set = append(set, "pricingGroupId")
	}
	if len(set) != 1 {
		return TargetRuleIdentifier{}, &TargetIdentificationError{SetFields: set}
	}
	return TargetRuleIdentifier{
		IsoID:          isoID,
		MerchantID:     merchantID,
		PricingGroupID: pricingGroupID,
	}, nil
}

// Selector converts the identifier into the lookup form used by
// repository queries.
func (t TargetRuleIdentifier) Selector() TargetSelector {
	return TargetSelector{
		IsoID:          t.IsoID,
		MerchantID:     t.MerchantID,
		PricingGroupID: t.PricingGroupID,
	}
}

// TargetSelector scopes an active-rule lookup. Unlike
// TargetRuleIdentifier it may carry several fields at once: the query
// ORs equality across whichever fields are set. A transaction that
// names a merchant, its ISO, and a pricing group matches rules
// registered under any of the three.
type TargetSelector struct {
	IsoID          string
	MerchantID     string
	PricingGroupID string
}

// IsEmpty reports whether no scope field is set.
func (s TargetSelector) IsEmpty() bool {
	return s.IsoID == "" && s.MerchantID == "" && s.PricingGroupID == ""
}

// CacheKey returns a stable key fragment for rule-set caching.
func (s TargetSelector) CacheKey() string {
	return s.IsoID + "|" + s.MerchantID + "|" + s.PricingGroupID
}
