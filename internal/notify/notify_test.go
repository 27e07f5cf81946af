package notify

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/delipucash/server/internal/model"
	"github.com/delipucash/server/internal/websocket"
)

func TestRender(t *testing.T) {
	tests := []struct {
		tmpl string
		data map[string]any
		want string
	}{
		{"Paid {amount} UGX", map[string]any{"amount": 500}, "Paid 500 UGX"},
		{"{a} and {a}", map[string]any{"a": "x"}, "x and x"},
		{"Reason: {reason}", nil, "Reason: {reason}"},
		{"no placeholders", map[string]any{"x": 1}, "no placeholders"},
	}
	for _, tt := range tests {
		if got := Render(tt.tmpl, tt.data); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

type memStore struct {
	created []model.Notification
	err     error
}

func (m *memStore) Create(n model.Notification) (*model.Notification, error) {
	if m.err != nil {
		return nil, m.err
	}
	n.ID = int64(len(m.created) + 1)
	m.created = append(m.created, n)
	return &n, nil
}

type memPublisher struct{ msgs []websocket.Message }

func (p *memPublisher) Broadcast(msg websocket.Message) { p.msgs = append(p.msgs, msg) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierSend(t *testing.T) {
	store := &memStore{}
	pub := &memPublisher{}
	n := NewNotifier(store, pub, quietLogger())

	n.Send(3, PaymentSuccess, map[string]any{"amount": 1000})

	if len(store.created) != 1 {
		t.Fatalf("stored = %d, want 1", len(store.created))
	}
	got := store.created[0]
	if got.Body != "Your payment of 1000 UGX has been processed successfully." {
		t.Errorf("body = %q", got.Body)
	}
	if got.Priority != "HIGH" || got.UserID != 3 {
		t.Errorf("notification = %+v", got)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].UserID != 3 || pub.msgs[0].Type != "notification_created" {
		t.Errorf("published = %+v", pub.msgs)
	}
}

func TestNotifierSwallowsFailures(t *testing.T) {
	pub := &memPublisher{}
	n := NewNotifier(&memStore{err: errors.New("disk full")}, pub, quietLogger())

	n.Send(1, PaymentFailed, nil)
	n.Send(1, "NOT_A_TEMPLATE", nil)

	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages after failures, want 0", len(pub.msgs))
	}
}
