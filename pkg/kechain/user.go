package kechain

import (
	"context"
	"net/url"
	"strconv"
)

// User is a backend account. Users are identified by a numeric pk.
type User struct {
	ID       int    `json:"pk"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

func (u *User) String() string { return "user " + u.Username + " (" + strconv.Itoa(u.ID) + ")" }

// UserFilter narrows Client.Users.
type UserFilter struct {
	ListOptions

	ID               int
	IDs              []int
	Username         string
	UsernameContains string
	Extra            map[string]string
}

func (f UserFilter) query() url.Values {
	q := filter{}
	if f.ID != 0 {
		q.set("pk", strconv.Itoa(f.ID))
	}
	q.setIDs("pk__in", intIDs(f.IDs))
	q.set("username", f.Username)
	q.set("username__icontains", f.UsernameContains)
	q.merge(f.Extra)
	return q.values()
}

// Users lists backend accounts.
func (c *Client) Users(ctx context.Context, f UserFilter) ([]*User, error) {
	data, err := retrieve[User](ctx, c, pathUsers, f.query(), f.pageSize(c), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*User, len(data))
	for i := range data {
		out[i] = &data[i]
	}
	return out, nil
}

// User returns the single account matching f.
func (c *Client) User(ctx context.Context, f UserFilter) (*User, error) {
	f.Limit = 2
	users, err := c.Users(ctx, f)
	if err != nil {
		return nil, err
	}
	return single(users, "user")
}

// usersByID resolves pks in the given order, skipping unknown ones.
func (c *Client) usersByID(ctx context.Context, ids []int) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := c.Users(ctx, UserFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Users fetches the referenced accounts of a user reference property.
func (p *ReferenceProperty) Users(ctx context.Context) ([]*User, error) {
	if p.data.Type != PropertyUserRefs {
		return nil, illegalArgument("%s does not reference users", p)
	}
	var ids []int
	for _, s := range p.IDs() {
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, illegalArgument("%s holds a non-numeric user id %q", p, s)
		}
		ids = append(ids, id)
	}
	return p.client.usersByID(ctx, ids)
}

func intIDs(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}
