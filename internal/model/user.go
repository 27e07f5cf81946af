package model

import "time"

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Phone        string    `json:"phone"`
	Points       int       `json:"points"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Reward is a points ledger entry. RewardQuestionID is set when the points
// came from answering a reward question, which makes the award idempotent.
type Reward struct {
	ID               int64     `json:"id"`
	UserEmail        string    `json:"userEmail"`
	Points           int       `json:"points"`
	Description      string    `json:"description"`
	RewardQuestionID *int64    `json:"rewardQuestionId"`
	CreatedAt        time.Time `json:"createdAt"`
}
