package config

import (
	"strconv"
	"strings"
)

// Provider resolves dotted paths such as "simulation.step_size" or
// "units.2.parameters.mass" against a decoded document. Numeric path
// segments index into lists.
type Provider struct {
	root any
}

// NewProvider wraps an already decoded document.
func NewProvider(root map[string]any) *Provider { return &Provider{root: root} }

// Get returns the raw value at path.
func (p *Provider) Get(path string) (any, bool) {
	if p == nil || p.root == nil {
		return nil, false
	}
	cur := p.root
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path resolves.
func (p *Provider) Has(path string) bool {
	_, ok := p.Get(path)
	return ok
}

// GetString returns the value at path rendered as a string, or def.
func (p *Provider) GetString(path, def string) string {
	v, ok := p.Get(path)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return def
}

// GetFloat returns the number at path, or def when it is missing or not
// numeric. Numeric strings are parsed.
func (p *Provider) GetFloat(path string, def float64) float64 {
	v, ok := p.Get(path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// GetBool returns the boolean at path, or def.
func (p *Provider) GetBool(path string, def bool) bool {
	v, ok := p.Get(path)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}
