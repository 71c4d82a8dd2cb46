package emulator

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kechain/internal/apperr"
)

// TeamSpec describes a team to create. Owner defaults to the caller.
type TeamSpec struct {
	Name        string         `json:"name"`
	Ref         string         `json:"ref"`
	Description string         `json:"description"`
	Options     map[string]any `json:"options"`
	IsHidden    bool           `json:"is_hidden"`
	Owner       int            `json:"user"`
}

// TeamPatch holds the editable team attributes; nil fields are untouched.
type TeamPatch struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Options     map[string]any `json:"options"`
	IsHidden    *bool          `json:"is_hidden"`
}

// MembersPatch adds or removes team members by user pk.
type MembersPatch struct {
	Users []int  `json:"users"`
	Role  string `json:"role"`
}

// NotificationSpec describes a notification to send.
type NotificationSpec struct {
	Subject        string   `json:"subject"`
	Message        string   `json:"message"`
	Event          string   `json:"event"`
	Channels       []string `json:"channels"`
	RecipientUsers []int    `json:"recipient_users"`
	FromUser       int      `json:"from_user"`
}

func (s *Service) setAccounts(users []User) {
	s.accounts = make([]Account, len(users))
	for i, u := range users {
		name := u.Name
		if name == "" {
			name = u.Username
		}
		s.accounts[i] = Account{PK: i + 1, Username: u.Username, Name: name, Email: u.Email}
	}
}

func (s *Service) account(pk int) (Account, bool) {
	if pk < 1 || pk > len(s.accounts) {
		return Account{}, false
	}
	return s.accounts[pk-1], true
}

func (s *Service) accountNamed(username string) (Account, bool) {
	for _, a := range s.accounts {
		if a.Username == username {
			return a, true
		}
	}
	return Account{}, false
}

// ListUsers filters accounts on pk, pk__in, username and username__icontains.
func (s *Service) ListUsers(_ context.Context, q url.Values) ([]Account, int, error) {
	var pks map[string]bool
	if v := q.Get("pk__in"); v != "" {
		pks = splitIDs(v)
	}
	items := slices.DeleteFunc(slices.Clone(s.accounts), func(a Account) bool {
		pk := strconv.Itoa(a.PK)
		switch {
		case !matchField(q, "pk", pk), !matchField(q, "username", a.Username):
			return true
		case pks != nil && !pks[pk]:
			return true
		case q.Get("username__icontains") != "" &&
			!strings.Contains(strings.ToLower(a.Username), strings.ToLower(q.Get("username__icontains"))):
			return true
		}
		return false
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	return items, total, err
}

// CreateTeam creates a team owned by spec.Owner, or by the caller.
func (s *Service) CreateTeam(_ context.Context, spec TeamSpec, caller string) (*Team, error) {
	if spec.Name == "" {
		return nil, invalid("team name is required")
	}
	owner, ok := s.account(spec.Owner)
	if spec.Owner == 0 {
		owner, ok = s.accountNamed(caller)
	}
	if !ok {
		return nil, invalid("team owner %d does not exist", spec.Owner)
	}
	if spec.Options == nil {
		spec.Options = map[string]any{}
	}
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	t := &Team{
		Record:   st.record(spec.Name, spec.Ref, spec.Description),
		Options:  spec.Options,
		IsHidden: spec.IsHidden,
		Members:  []TeamMember{member(owner, RoleOwner)},
	}
	st.teams[t.ID] = t
	return cloneTeam(t), nil
}

func member(a Account, role string) TeamMember {
	return TeamMember{PK: a.PK, Username: a.Username, Email: a.Email, Role: role}
}

func cloneTeam(t *Team) *Team {
	c := clone(t)
	c.Members = slices.Clone(t.Members)
	return c
}

func (s *Service) ListTeams(_ context.Context, q url.Values) ([]*Team, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.teams), func(t *Team) bool {
		if !matchRecord(&t.Record, q) || !matchField(q, "is_hidden", strconv.FormatBool(t.IsHidden)) {
			return false
		}
		if v := q.Get("members__in"); v != "" {
			pks := splitIDs(v)
			return slices.ContainsFunc(t.Members, func(m TeamMember) bool { return pks[strconv.Itoa(m.PK)] })
		}
		return true
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Team, len(items))
	for i, t := range items {
		out[i] = cloneTeam(t)
	}
	return out, total, nil
}

func (s *Service) GetTeam(_ context.Context, id string) (*Team, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	t, ok := s.st.teams[id]
	if !ok {
		return nil, notFound("team", id)
	}
	return cloneTeam(t), nil
}

func (s *Service) UpdateTeam(_ context.Context, id string, patch TeamPatch) (*Team, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t, ok := s.st.teams[id]
	if !ok {
		return nil, notFound("team", id)
	}
	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, invalid("team name cannot be empty")
		}
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Options != nil {
		t.Options = patch.Options
	}
	if patch.IsHidden != nil {
		t.IsHidden = *patch.IsHidden
	}
	touch(&t.Record)
	return cloneTeam(t), nil
}

// DeleteTeam removes the team. Its members keep their accounts.
func (s *Service) DeleteTeam(_ context.Context, id string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, ok := s.st.teams[id]; !ok {
		return notFound("team", id)
	}
	delete(s.st.teams, id)
	return nil
}

// AddMembers adds users with a role; users already in the team get the new role.
func (s *Service) AddMembers(_ context.Context, id string, patch MembersPatch) (*Team, error) {
	if patch.Role == "" {
		patch.Role = RoleMember
	}
	if !slices.Contains([]string{RoleOwner, RoleManager, RoleMember}, patch.Role) {
		return nil, invalid("unknown team role %q", patch.Role)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t, ok := s.st.teams[id]
	if !ok {
		return nil, notFound("team", id)
	}
	for _, pk := range patch.Users {
		a, ok := s.account(pk)
		if !ok {
			return nil, invalid("user %d does not exist", pk)
		}
		i := slices.IndexFunc(t.Members, func(m TeamMember) bool { return m.PK == pk })
		if i < 0 {
			t.Members = append(t.Members, member(a, patch.Role))
			continue
		}
		t.Members[i].Role = patch.Role
	}
	touch(&t.Record)
	return cloneTeam(t), nil
}

// RemoveMembers drops users from the team. The last owner cannot be removed.
func (s *Service) RemoveMembers(_ context.Context, id string, patch MembersPatch) (*Team, error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	t, ok := s.st.teams[id]
	if !ok {
		return nil, notFound("team", id)
	}
	remaining := slices.DeleteFunc(slices.Clone(t.Members), func(m TeamMember) bool {
		return slices.Contains(patch.Users, m.PK)
	})
	if !slices.ContainsFunc(remaining, func(m TeamMember) bool { return m.Role == RoleOwner }) {
		return nil, fmt.Errorf("%w: team %q needs an owner", apperr.ErrConflict, t.Name)
	}
	t.Members = remaining
	touch(&t.Record)
	return cloneTeam(t), nil
}

// CreateNotification queues a notification in READY state. The sender
// defaults to the caller.
func (s *Service) CreateNotification(_ context.Context, spec NotificationSpec, caller string) (*Notification, error) {
	if spec.Subject == "" {
		return nil, invalid("notification subject is required")
	}
	if len(spec.RecipientUsers) == 0 {
		return nil, invalid("notification needs at least one recipient")
	}
	for _, pk := range spec.RecipientUsers {
		if _, ok := s.account(pk); !ok {
			return nil, invalid("recipient %d does not exist", pk)
		}
	}
	if spec.FromUser == 0 {
		if a, ok := s.accountNamed(caller); ok {
			spec.FromUser = a.PK
		}
	} else if _, ok := s.account(spec.FromUser); !ok {
		return nil, invalid("sender %d does not exist", spec.FromUser)
	}
	if len(spec.Channels) == 0 {
		spec.Channels = []string{"EMAIL"}
	}
	if spec.Event == "" {
		spec.Event = "SHARE_ACTIVITY_LINK"
	}

	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now().UTC()
	n := &Notification{
		ID:             uuid.NewString(),
		Subject:        spec.Subject,
		Message:        spec.Message,
		Status:         NotificationReady,
		Event:          spec.Event,
		Channels:       spec.Channels,
		RecipientUsers: spec.RecipientUsers,
		FromUser:       spec.FromUser,
		CreatedAt:      now,
		UpdatedAt:      now,
		seq:            st.next(),
	}
	st.notifications[n.ID] = n
	return clone(n), nil
}

// ListNotifications filters on id, status, event and recipient_users.
func (s *Service) ListNotifications(_ context.Context, q url.Values) ([]*Notification, int, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	items := filterSlice(ordered(s.st.notifications), func(n *Notification) bool {
		if !matchField(q, "id", n.ID) || !matchField(q, "status", n.Status) || !matchField(q, "event", n.Event) {
			return false
		}
		if v := q.Get("recipient_users"); v != "" {
			pk, err := strconv.Atoi(v)
			return err == nil && slices.Contains(n.RecipientUsers, pk)
		}
		return true
	})
	total := len(items)
	items, err := page(items, q.Get("limit"), q.Get("offset"))
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Notification, len(items))
	for i, n := range items {
		out[i] = clone(n)
	}
	return out, total, nil
}

func (s *Service) GetNotification(_ context.Context, id string) (*Notification, error) {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	n, ok := s.st.notifications[id]
	if !ok {
		return nil, notFound("notification", id)
	}
	return clone(n), nil
}

func (s *Service) DeleteNotification(_ context.Context, id string) error {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, ok := s.st.notifications[id]; !ok {
		return notFound("notification", id)
	}
	delete(s.st.notifications, id)
	return nil
}
