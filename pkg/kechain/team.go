package kechain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Team groups users that share access to scopes.
type Team struct {
	Base
	Options  map[string]any
	IsHidden bool
	Members  []TeamMember

	client *Client
}

// TeamMember is one user of a team with its role.
type TeamMember struct {
	ID       int      `json:"pk"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Role     TeamRole `json:"role"`
}

type teamJSON struct {
	Base
	Options  map[string]any `json:"options"`
	IsHidden bool           `json:"is_hidden"`
	Members  []TeamMember   `json:"members"`
}

func newTeam(c *Client, d teamJSON) *Team {
	t := &Team{client: c}
	t.apply(d)
	return t
}

func (t *Team) apply(d teamJSON) {
	t.Base = d.Base
	t.Options = d.Options
	t.IsHidden = d.IsHidden
	t.Members = d.Members
}

func (t *Team) String() string { return "team " + t.Base.String() }

// TeamFilter narrows Client.Teams.
type TeamFilter struct {
	ListOptions

	ID           string
	Name         string
	NameContains string
	// MemberID keeps teams the user with this pk belongs to.
	MemberID int
	Extra    map[string]string
}

func (f TeamFilter) query() url.Values {
	q := filter{}
	q.set("id", f.ID)
	q.set("name", f.Name)
	q.set("name__icontains", f.NameContains)
	if f.MemberID != 0 {
		q.set("members__in", strconv.Itoa(f.MemberID))
	}
	q.merge(f.Extra)
	return q.values()
}

// Teams lists the teams visible to the authenticated user.
func (c *Client) Teams(ctx context.Context, f TeamFilter) ([]*Team, error) {
	data, err := retrieve[teamJSON](ctx, c, pathTeams, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Team, len(data))
	for i, d := range data {
		out[i] = newTeam(c, d)
	}
	return out, nil
}

func (c *Client) Team(ctx context.Context, f TeamFilter) (*Team, error) {
	f.Limit = 2
	teams, err := c.Teams(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(teams, "team")
}

// TeamSpec describes a new team. Owner defaults to the authenticated user.
type TeamSpec struct {
	Name        string
	Description string
	Options     map[string]any
	IsHidden    bool
	Owner       *User
}

// CreateTeam creates a team with a single owner.
func (c *Client) CreateTeam(ctx context.Context, spec TeamSpec) (*Team, error) {
	if spec.Name == "" {
		return nil, illegalArgument("team name is required")
	}
	body := map[string]any{
		"name":        spec.Name,
		"description": spec.Description,
		"is_hidden":   spec.IsHidden,
	}
	if spec.Options != nil {
		body["options"] = spec.Options
	}
	if spec.Owner != nil {
		body["user"] = spec.Owner.ID
	}
	d, err := fetchOne[teamJSON](ctx, c, request{method: http.MethodPost, path: pathTeams, body: body})
	if err != nil {
		return nil, fmt.Errorf("kechain: create team %q: %w", spec.Name, err)
	}
	return newTeam(c, d), nil
}

// MembersWithRole returns the members holding role, or all members when
// role is empty.
func (t *Team) MembersWithRole(role TeamRole) []TeamMember {
	if role == "" {
		return t.Members
	}
	var out []TeamMember
	for _, m := range t.Members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// TeamEdit changes team attributes. Nil fields are left untouched.
type TeamEdit struct {
	Name        *string
	Description *string
	Options     map[string]any
	IsHidden    *bool
}

func (t *Team) Edit(ctx context.Context, edit TeamEdit) error {
	body := map[string]any{}
	if edit.Name != nil {
		if *edit.Name == "" {
			return illegalArgument("team name cannot be empty")
		}
		body["name"] = *edit.Name
	}
	if edit.Description != nil {
		body["description"] = *edit.Description
	}
	if edit.Options != nil {
		body["options"] = edit.Options
	}
	if edit.IsHidden != nil {
		body["is_hidden"] = *edit.IsHidden
	}
	if len(body) == 0 {
		return nil
	}
	return t.put(ctx, "edit", pathFor(pathTeam, t.ID), body)
}

func (t *Team) Delete(ctx context.Context) error {
	if _, err := t.client.send(ctx, request{method: http.MethodDelete, path: pathFor(pathTeam, t.ID)}); err != nil {
		return fmt.Errorf("kechain: delete %s: %w", t, err)
	}
	return nil
}

// AddMembers adds users with role, which defaults to RoleMember. Users
// already in the team get the new role.
func (t *Team) AddMembers(ctx context.Context, role TeamRole, users ...*User) error {
	if len(users) == 0 {
		return illegalArgument("no users to add to %s", t)
	}
	if role == "" {
		role = RoleMember
	}
	return t.put(ctx, "add members to", pathFor(pathTeamAddMembers, t.ID), map[string]any{
		"users": userIDs(users),
		"role":  role,
	})
}

// RemoveMembers drops users from the team. The backend refuses to remove
// the last owner.
func (t *Team) RemoveMembers(ctx context.Context, users ...*User) error {
	if len(users) == 0 {
		return illegalArgument("no users to remove from %s", t)
	}
	return t.put(ctx, "remove members from", pathFor(pathTeamRemoveMembers, t.ID), map[string]any{
		"users": userIDs(users),
	})
}

func (t *Team) put(ctx context.Context, what, path string, body map[string]any) error {
	updated, err := fetchOne[teamJSON](ctx, t.client, request{method: http.MethodPut, path: path, body: body})
	if err != nil {
		return fmt.Errorf("kechain: %s %s: %w", what, t, err)
	}
	t.apply(updated)
	return nil
}

func userIDs(users []*User) []int {
	out := make([]int, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}
