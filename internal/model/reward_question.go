package model

import "time"

// Provider is a mobile-money operator.
type Provider string

const (
	ProviderMTN    Provider = "MTN"
	ProviderAirtel Provider = "AIRTEL"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderMTN || p == ProviderAirtel
}

// PaymentStatus is the normalized state of a payment or payout.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentFailed     PaymentStatus = "FAILED"
)

// Terminal reports whether the status will not change further.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSuccessful || s == PaymentFailed
}

const MaxInstantWinners = 10

type RewardQuestion struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	Text            string     `json:"text"`
	Options         []string   `json:"options"`
	CorrectAnswer   string     `json:"correctAnswer,omitempty"`
	RewardAmount    int        `json:"rewardAmount"`
	IsInstantReward bool       `json:"isInstantReward"`
	MaxWinners      int        `json:"maxWinners"`
	WinnersCount    int        `json:"winnersCount"`
	IsCompleted     bool       `json:"isCompleted"`
	PaymentProvider Provider   `json:"paymentProvider,omitempty"`
	PhoneNumber     string     `json:"phoneNumber,omitempty"`
	ExpiryTime      *time.Time `json:"expiryTime"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	Winners []Winner `json:"winners,omitempty"`
}

// Expired reports whether the question's expiry time is before now.
func (q *RewardQuestion) Expired(now time.Time) bool {
	return q.ExpiryTime != nil && q.ExpiryTime.Before(now)
}

// SlotsRemaining returns the number of unreserved winner slots.
func (q *RewardQuestion) SlotsRemaining() int {
	if !q.IsInstantReward {
		return 0
	}
	return q.MaxWinners - q.WinnersCount
}

type Winner struct {
	ID                    int64         `json:"id"`
	RewardQuestionID      int64         `json:"rewardQuestionId"`
	UserEmail             string        `json:"userEmail"`
	Position              int           `json:"position"`
	AmountAwarded         int           `json:"amountAwarded"`
	PaymentStatus         PaymentStatus `json:"paymentStatus"`
	PaymentProvider       Provider      `json:"paymentProvider"`
	PhoneNumber           string        `json:"phoneNumber"`
	PaymentReference      *string       `json:"paymentReference"`
	ExternalTransactionID *string       `json:"externalTransactionId,omitempty"`
	FailureReason         string        `json:"failureReason,omitempty"`
	PaidAt                *time.Time    `json:"paidAt"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// QuestionAttempt is an append-only audit record of one answer submission.
type QuestionAttempt struct {
	ID             int64     `json:"id"`
	UserEmail      string    `json:"userEmail"`
	QuestionID     int64     `json:"questionId"`
	SelectedAnswer string    `json:"selectedAnswer"`
	IsCorrect      bool      `json:"isCorrect"`
	AttemptedAt    time.Time `json:"attemptedAt"`
}
