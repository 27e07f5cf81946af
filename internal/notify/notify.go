// Package notify renders notification templates, stores them, and pushes
// them to the user's live connections.
package notify

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/websocket"
)

type Template struct {
	Title    string
	Body     string
	Priority string
	Category string
	Icon     string
}

const (
	PaymentSuccess     = "PAYMENT_SUCCESS"
	PaymentFailed      = "PAYMENT_FAILED"
	PaymentPending     = "PAYMENT_PENDING"
	RewardEarned       = "REWARD_EARNED"
	RewardRedeemed     = "REWARD_REDEEMED"
	SubscriptionActive = "SUBSCRIPTION_ACTIVE"
	InstantRewardWon   = "INSTANT_REWARD_WON"
)

var Templates = map[string]Template{
	PaymentSuccess: {
		Title:    "Payment Successful",
		Body:     "Your payment of {amount} UGX has been processed successfully.",
		Priority: "HIGH",
		Category: "payment",
		Icon:     "payment-success",
	},
	PaymentFailed: {
		Title:    "Payment Failed",
		Body:     "Your payment of {amount} UGX could not be processed. Reason: {reason}",
		Priority: "HIGH",
		Category: "payment",
		Icon:     "payment-failed",
	},
	PaymentPending: {
		Title:    "Payment Pending",
		Body:     "Your payment of {amount} UGX is being processed.",
		Priority: "MEDIUM",
		Category: "payment",
		Icon:     "payment-pending",
	},
	RewardEarned: {
		Title:    "Reward Earned!",
		Body:     "Congratulations! You earned {points} points for {activity}.",
		Priority: "MEDIUM",
		Category: "reward",
		Icon:     "reward",
	},
	RewardRedeemed: {
		Title:    "Reward Redeemed",
		Body:     "You redeemed {points} points for {reward}.",
		Priority: "MEDIUM",
		Category: "reward",
		Icon:     "reward-redeemed",
	},
	SubscriptionActive: {
		Title:    "Subscription Active",
		Body:     "Your {plan} subscription is active until {endDate}.",
		Priority: "HIGH",
		Category: "subscription",
		Icon:     "subscription",
	},
	InstantRewardWon: {
		Title:    "You Won!",
		Body:     "You finished #{position} on \"{question}\". {amount} UGX is on its way to {phone}.",
		Priority: "HIGH",
		Category: "reward",
		Icon:     "trophy",
	},
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Render replaces every {key} in tmpl with data[key]. Placeholders without
// a value are left as written.
func Render(tmpl string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := data[key]
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}

// Store persists notifications.
type Store interface {
	Create(n model.Notification) (*model.Notification, error)
}

// Publisher pushes live events.
type Publisher interface {
	Broadcast(msg websocket.Message)
}

// Notifier sends templated notifications. Failures are logged and never
// surface to the caller.
type Notifier struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
}

func NewNotifier(store Store, pub Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{store: store, pub: pub, logger: logger.With("component", "notify")}
}

func (n *Notifier) Send(userID int64, key string, data map[string]any) {
	tmpl, ok := Templates[key]
	if !ok {
		n.logger.Error("unknown notification template", "template", key)
		return
	}

	created, err := n.store.Create(model.Notification{
		UserID:   userID,
		Type:     key,
		Title:    Render(tmpl.Title, data),
		Body:     Render(tmpl.Body, data),
		Priority: tmpl.Priority,
		Category: tmpl.Category,
		Icon:     tmpl.Icon,
	})
	if err != nil {
		n.logger.Warn("store notification", "user_id", userID, "template", key, "error", err)
		return
	}

	if n.pub != nil {
		n.pub.Broadcast(websocket.NewMessage("notification", "created", created.ID, map[string]any{
			"type":  created.Type,
			"title": created.Title,
			"body":  created.Body,
		}).ForUser(userID))
	}
}
