package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Category classifies what went wrong with the sale.
type Category string

const (
	CategoryNoShow            Category = "no_show"
	CategoryConditionMismatch Category = "condition_mismatch"
	CategoryHealthIssues      Category = "health_issues"
	CategoryDocumentation     Category = "documentation"
	CategoryBehavioral        Category = "behavioral"
	CategoryFraud             Category = "fraud"
	CategoryOther             Category = "other"
)

var categories = map[Category]struct{}{
	CategoryNoShow:            {},
	CategoryConditionMismatch: {},
	CategoryHealthIssues:      {},
	CategoryDocumentation:     {},
	CategoryBehavioral:        {},
	CategoryFraud:             {},
	CategoryOther:             {},
}

// Valid reports whether c is a recognised category.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// Resolution is the arbitration outcome applied to the linked transaction.
type Resolution string

const (
	ResolutionRefundBuyer   Resolution = "refund_buyer"
	ResolutionReleaseSeller Resolution = "release_seller"
	ResolutionPartial       Resolution = "partial"
	ResolutionReopen        Resolution = "reopen"
)

// Valid reports whether r is a recognised resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundBuyer, ResolutionReleaseSeller, ResolutionPartial, ResolutionReopen:
		return true
	}
	return false
}

// Record mirrors the disputes table.
type Record struct {
	ID                  string
	EscrowTransactionID string
	Category            Category
	Reason              string
	RaisedBy            string
	Status              Status
	Resolution          *Resolution
	ResolvedBy          *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ResolvedAt          *time.Time
}
