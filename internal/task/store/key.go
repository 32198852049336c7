package store

import "strings"

// DefaultGroup is used when a key is built with an empty group.
const DefaultGroup = "DEFAULT"

// Key identifies a job or a trigger. Name and Group together are unique
// within their store.
type Key struct {
	Name  string
	Group string
}

func NewKey(name, group string) Key {
	group = strings.TrimSpace(group)
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: strings.TrimSpace(name), Group: group}
}

func (k Key) normalize() Key { return NewKey(k.Name, k.Group) }

func (k Key) IsZero() bool { return strings.TrimSpace(k.Name) == "" }

func (k Key) String() string {
	g := k.Group
	if g == "" {
		g = DefaultGroup
	}
	return g + "." + k.Name
}

// Less orders keys by group, then name.
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}
