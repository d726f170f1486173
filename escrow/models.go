package escrow

import "time"

// Status enumerates the escrow transaction lifecycle.
type Status string

const (
	StatusPending         Status = "pending"
	StatusFundsHeld       Status = "funds_held"
	StatusBuyerConfirmed  Status = "buyer_confirmed"
	StatusSellerConfirmed Status = "seller_confirmed"
	StatusCompleted       Status = "completed"
	StatusDisputed        Status = "disputed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
)

// Role identifies which side of the sale an actor is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

func (r Role) valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Transaction mirrors the escrow_transactions table. Amounts are integer
// cents; SellerAmount is fixed at creation and never exceeds Amount.
type Transaction struct {
	ID                 string
	ListingID          string
	BuyerID            string
	SellerID           string
	Amount             int64
	SellerAmount       int64
	Status             Status
	HoldRef            *string
	BuyerConfirmedAt   *time.Time
	SellerConfirmedAt  *time.Time
	MeetingLocation    *string
	MeetingScheduledAt *time.Time
	DisputeID          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ConfirmedAt returns the confirmation timestamp recorded for the given role.
func (t *Transaction) ConfirmedAt(role Role) *time.Time {
	if role == RoleBuyer {
		return t.BuyerConfirmedAt
	}
	return t.SellerConfirmedAt
}

// SetConfirmedAt stamps the confirmation time for the given role.
func (t *Transaction) SetConfirmedAt(role Role, ts time.Time) {
	if role == RoleBuyer {
		t.BuyerConfirmedAt = &ts
	} else {
		t.SellerConfirmedAt = &ts
	}
}

// BothConfirmed reports whether both parties have recorded a confirmation.
func (t *Transaction) BothConfirmed() bool {
	return t.BuyerConfirmedAt != nil && t.SellerConfirmedAt != nil
}

// UserRole reports how userID participates in the transaction, if at all.
func (t *Transaction) UserRole(userID string) (Role, bool) {
	switch userID {
	case t.BuyerID:
		return RoleBuyer, true
	case t.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// FeePolicy derives the seller's net amount from the gross amount. The fee is
// expressed in basis points and rounded down, so the seller never loses a
// fraction of a cent beyond the stated rate.
type FeePolicy struct {
	FeeBps int64
}

// DefaultFeePolicy takes a 5% platform fee.
var DefaultFeePolicy = FeePolicy{FeeBps: 500}

// SellerAmount computes the net payout for a gross amount in cents.
func (p FeePolicy) SellerAmount(amount int64) int64 {
	return amount - amount*p.FeeBps/10_000
}

// Event is a domain event enqueued on the transactional outbox alongside the
// state change that produced it.
type Event struct {
	Topic   string
	Payload map[string]any
}

// Outbox topics consumed by the notification bus.
const (
	TopicTransactionCompleted = "escrow.completed"
	TopicTransactionRefunded  = "escrow.refunded"
	TopicTransactionCancelled = "escrow.cancelled"
	TopicDisputeOpened        = "dispute.opened"
	TopicDisputeResolved      = "dispute.resolved"
)
