package model

import "time"

// Operation distinguishes inbound collections from outbound disbursements.
type Operation string

const (
	OperationCollection   Operation = "COLLECTION"
	OperationDisbursement Operation = "DISBURSEMENT"
)

type SubscriptionType string

const (
	SubscriptionWeekly  SubscriptionType = "WEEKLY"
	SubscriptionMonthly SubscriptionType = "MONTHLY"
)

// Period returns the subscription end date for a subscription starting at start.
func (t SubscriptionType) Period(start time.Time) (time.Time, bool) {
	switch t {
	case SubscriptionWeekly:
		return start.AddDate(0, 0, 7), true
	case SubscriptionMonthly:
		return start.AddDate(0, 1, 0), true
	default:
		return time.Time{}, false
	}
}

type Payment struct {
	ID               int64            `json:"id"`
	UserID           *int64           `json:"userId"`
	WinnerID         *int64           `json:"winnerId,omitempty"`
	PhoneNumber      string           `json:"phoneNumber"`
	Amount           int              `json:"amount"`
	Provider         Provider         `json:"provider"`
	Operation        Operation        `json:"operation"`
	Reference        string           `json:"reference"`
	TransactionID    string           `json:"transactionId"`
	Status           PaymentStatus    `json:"status"`
	SubscriptionType SubscriptionType `json:"subscriptionType,omitempty"`
	Description      string           `json:"description,omitempty"`
	StartDate        *time.Time       `json:"startDate"`
	EndDate          *time.Time       `json:"endDate"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Priority  string    `json:"priority"`
	Category  string    `json:"category"`
	Icon      string    `json:"icon"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}
