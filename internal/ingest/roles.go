package ingest

import "sort"

// roleBook accumulates roles per person in first-seen order. Persons are
// keyed by canonical id when known, otherwise by name.
type roleBook struct {
	order   []string
	entries map[string]*credit
}

type credit struct {
	name        string
	canonicalID *string
	roles       []string
	seen        map[string]struct{}
}

func newRoleBook() *roleBook {
	return &roleBook{entries: make(map[string]*credit)}
}

func personKey(name, canonicalID string) string {
	if canonicalID != "" {
		return "mbid:" + canonicalID
	}
	return "name:" + name
}

func (b *roleBook) add(name, canonicalID, role string) {
	if role == "" || (name == "" && canonicalID == "") {
		return
	}
	key := personKey(name, canonicalID)
	c, ok := b.entries[key]
	if !ok {
		c = &credit{name: name, seen: make(map[string]struct{})}
		if canonicalID != "" {
			id := canonicalID
			c.canonicalID = &id
		}
		if c.name == "" {
			c.name = canonicalID
		}
		b.entries[key] = c
		b.order = append(b.order, key)
	}
	if _, dup := c.seen[role]; dup {
		return
	}
	c.seen[role] = struct{}{}
	c.roles = append(c.roles, role)
}

// credits returns the finalized credits in first-seen order.
func (b *roleBook) credits() []*credit {
	out := make([]*credit, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.entries[key])
	}
	return out
}

// sortedRoles is used for logging.
func (c *credit) sortedRoles() []string {
	out := append([]string(nil), c.roles...)
	sort.Strings(out)
	return out
}
