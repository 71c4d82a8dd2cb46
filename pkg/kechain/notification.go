package kechain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Notification is a message sent to users through one or more channels.
type Notification struct {
	ID           string                `json:"id"`
	Subject      string                `json:"subject"`
	Message      string                `json:"message"`
	Status       NotificationStatus    `json:"status"`
	Event        NotificationEvent     `json:"event"`
	Channels     []NotificationChannel `json:"channels"`
	RecipientIDs []int                 `json:"recipient_users"`
	SenderID     int                   `json:"from_user"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`

	client *Client
}

func (n *Notification) String() string {
	return "notification " + n.Subject + " (" + shortID(n.ID) + ")"
}

// NotificationFilter narrows Client.Notifications.
type NotificationFilter struct {
	ListOptions

	ID     string
	Status NotificationStatus
	Event  NotificationEvent
	// RecipientID keeps notifications addressed to the user with this pk.
	RecipientID int
	Extra       map[string]string
}

func (f NotificationFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("status", string(f.Status))
	q.set("event", string(f.Event))
	if f.RecipientID != 0 {
		q.set("recipient_users", strconv.Itoa(f.RecipientID))
	}
	q.merge(f.Extra)
	return q.values()
}

func (c *Client) Notifications(ctx context.Context, f NotificationFilter) ([]*Notification, error) {
	data, err := retrieve[Notification](ctx, c, pathNotifications, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Notification, len(data))
	for i := range data {
		data[i].client = c
		out[i] = &data[i]
	}
	return out, nil
}

func (c *Client) Notification(ctx context.Context, f NotificationFilter) (*Notification, error) {
	f.Limit = 2
	items, err := c.Notifications(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(items, "notification")
}

// NotificationSpec describes a notification to send. Sender defaults to the
// authenticated user, Channels to email.
type NotificationSpec struct {
	Subject    string
	Message    string
	Event      NotificationEvent
	Channels   []NotificationChannel
	Recipients []*User
	Sender     *User
}

// CreateNotification queues a notification for delivery.
func (c *Client) CreateNotification(ctx context.Context, spec NotificationSpec) (*Notification, error) {
	if spec.Subject == "" {
		return nil, illegalArgument("notification subject is required")
	}
	if len(spec.Recipients) == 0 {
		return nil, illegalArgument("notification %q has no recipients", spec.Subject)
	}
	body := map[string]any{
		"subject":         spec.Subject,
		"message":         spec.Message,
		"recipient_users": userIDs(spec.Recipients),
	}
	if spec.Event != "" {
		body["event"] = spec.Event
	}
	if len(spec.Channels) > 0 {
		body["channels"] = spec.Channels
	}
	if spec.Sender != nil {
		body["from_user"] = spec.Sender.ID
	}
	n, err := fetchOne[Notification](ctx, c, request{method: http.MethodPost, path: pathNotifications, body: body})
	if err != nil {
		return nil, fmt.Errorf("kechain: create notification %q: %w", spec.Subject, err)
	}
	n.client = c
	return &n, nil
}

func (n *Notification) Delete(ctx context.Context) error {
	if _, err := n.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathNotification, n.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", n, err)
	}
	return nil
}

// Recipients resolves the addressed users.
func (n *Notification) Recipients(ctx context.Context) ([]*User, error) {
	return n.client.usersByID(ctx, n.RecipientIDs)
}

func (n *Notification) Sender(ctx context.Context) (*User, error) {
	if n.SenderID == 0 {
		return nil, notFound("%s has no sender", n)
	}
	return n.client.User(ctx, UserFilter{ID: n.SenderID})
}
