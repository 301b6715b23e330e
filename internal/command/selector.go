package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AllHosts selects every host of the run.
const AllHosts = "all"

// Selector addresses one or more target hosts: every host ("all"), every host of a
// category ("mongod"), or one host by category and offset ("mongod.0").
type Selector struct {
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Offset   *int   `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// Alias builds the unique host alias for a category and ordinal offset.
func Alias(category string, offset int) string {
	return category + "." + strconv.Itoa(offset)
}

// ParseSelector parses the string form of a selector.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("%w: empty host selector", ErrConfiguration)
	}
	if i := strings.LastIndexByte(s, '.'); i > 0 && i < len(s)-1 {
		if n, err := strconv.Atoi(s[i+1:]); err == nil {
			if n < 0 {
				return Selector{}, fmt.Errorf("%w: negative offset in selector %q", ErrConfiguration, s)
			}
			return OnHost(s[:i], n), nil
		}
	}
	return Selector{Category: s}, nil
}

// MustSelector is ParseSelector for literals known to be valid.
func MustSelector(s string) Selector {
	sel, err := ParseSelector(s)
	if err != nil {
		panic(err)
	}
	return sel
}

// OnHost selects a single host.
func OnHost(category string, offset int) Selector {
	return Selector{Category: category, Offset: &offset}
}

func (s Selector) IsZero() bool { return s.Category == "" }
func (s Selector) IsAll() bool  { return s.Category == AllHosts }

// Alias returns the single-host alias, if the selector names one host.
func (s Selector) Alias() (string, bool) {
	if s.Offset == nil {
		return "", false
	}
	return Alias(s.Category, *s.Offset), true
}

func (s Selector) String() string {
	if alias, ok := s.Alias(); ok {
		return alias
	}
	return s.Category
}

type plainSelector Selector

func (s *Selector) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		sel, err := ParseSelector(str)
		if err != nil {
			return err
		}
		*s = sel
		return nil
	}
	var p plainSelector
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Selector(p)
	return nil
}

func (s Selector) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		sel, err := ParseSelector(node.Value)
		if err != nil {
			return err
		}
		*s = sel
		return nil
	}
	var p plainSelector
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Selector(p)
	return nil
}

func (s Selector) MarshalYAML() (any, error) {
	return s.String(), nil
}
