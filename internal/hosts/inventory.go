// Package hosts holds the inventory of target hosts of a run and resolves
// selectors to connections.
package hosts

import (
	"fmt"
	"sort"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
)

// Host is one inventory entry as declared in the workload configuration.
type Host struct {
	// Alias overrides the generated category.N alias.
	Alias     string             `json:"alias,omitempty" yaml:"alias,omitempty"`
	Address   string             `json:"address" yaml:"address" validate:"required"`
	Port      int                `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	Mechanism hostconn.Mechanism `json:"mechanism,omitempty" yaml:"mechanism,omitempty" validate:"omitempty,oneof=local ssh agent"`
	User      string             `json:"user,omitempty" yaml:"user,omitempty"`
	KeyFile   string             `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// Inventory is the immutable set of targets of a run, grouped by category.
type Inventory struct {
	categories []string
	byCategory map[string][]hostconn.Target
	byAlias    map[string]hostconn.Target
}

// NewInventory assigns aliases and rejects duplicates. Categories are ordered by name.
func NewInventory(groups map[string][]Host) (*Inventory, error) {
	inv := &Inventory{
		byCategory: make(map[string][]hostconn.Target, len(groups)),
		byAlias:    make(map[string]hostconn.Target),
	}
	for category := range groups {
		if category == "" || category == command.AllHosts {
			return nil, fmt.Errorf("%w: invalid host category %q", command.ErrConfiguration, category)
		}
		inv.categories = append(inv.categories, category)
	}
	sort.Strings(inv.categories)

	for _, category := range inv.categories {
		for i, h := range groups[category] {
			alias := h.Alias
			if alias == "" {
				alias = command.Alias(category, i)
			}
			if _, dup := inv.byAlias[alias]; dup {
				return nil, fmt.Errorf("%w: duplicate host alias %q", command.ErrConfiguration, alias)
			}
			t := hostconn.Target{
				Alias:     alias,
				Address:   h.Address,
				Port:      h.Port,
				Mechanism: h.Mechanism,
				User:      h.User,
				KeyFile:   h.KeyFile,
			}
			inv.byAlias[alias] = t
			inv.byCategory[category] = append(inv.byCategory[category], t)
		}
	}
	return inv, nil
}

func (inv *Inventory) Categories() []string {
	return append([]string(nil), inv.categories...)
}

// Targets returns every host, by category then offset.
func (inv *Inventory) Targets() []hostconn.Target {
	var out []hostconn.Target
	for _, c := range inv.categories {
		out = append(out, inv.byCategory[c]...)
	}
	return out
}

func (inv *Inventory) Lookup(alias string) (hostconn.Target, bool) {
	t, ok := inv.byAlias[alias]
	return t, ok
}

// Select returns the targets matched by sel, in inventory order.
func (inv *Inventory) Select(sel command.Selector) ([]hostconn.Target, error) {
	switch {
	case sel.IsZero():
		return nil, fmt.Errorf("%w: empty host selector", command.ErrConfiguration)
	case sel.IsAll():
		return inv.Targets(), nil
	}
	if t, ok := inv.byAlias[sel.String()]; ok {
		return []hostconn.Target{t}, nil
	}
	group, ok := inv.byCategory[sel.Category]
	if !ok {
		return nil, fmt.Errorf("%w: no hosts in category %q", command.ErrConfiguration, sel.Category)
	}
	if sel.Offset == nil {
		return append([]hostconn.Target(nil), group...), nil
	}
	if *sel.Offset < 0 || *sel.Offset >= len(group) {
		return nil, fmt.Errorf("%w: %s: category %q has %d hosts", command.ErrConfiguration, sel, sel.Category, len(group))
	}
	return []hostconn.Target{group[*sel.Offset]}, nil
}
