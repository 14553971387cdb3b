package engine

import (
	"sort"
	"strings"
)

// Placeholder is a substitution key usable in commands, source paths and
// unit templates as "{key}". The set is closed.
type Placeholder string

const (
	// PlaceholderFile is the temporary artifact path or checkout directory.
	PlaceholderFile Placeholder = "file"

	// PlaceholderLocation is the host's location tag.
	PlaceholderLocation Placeholder = "location"

	// PlaceholderHostname is the host's hostname.
	PlaceholderHostname Placeholder = "hostname"

	// PlaceholderName is the unit name for templated units.
	PlaceholderName Placeholder = "name"

	// PlaceholderServer is the selected peer hostname for mount units.
	PlaceholderServer Placeholder = "server"
)

var knownPlaceholders = map[Placeholder]bool{
	PlaceholderFile:     true,
	PlaceholderLocation: true,
	PlaceholderHostname: true,
	PlaceholderName:     true,
	PlaceholderServer:   true,
}

// IsPlaceholder reports whether key names a known placeholder.
func IsPlaceholder(key string) bool {
	return knownPlaceholders[Placeholder(key)]
}

// Params maps placeholders to their values for one expansion.
type Params map[Placeholder]string

// With returns a copy of p with key set to value.
func (p Params) With(key Placeholder, value string) Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}

// Expand replaces every "{key}" in s for which p has a value. Unknown or
// unset placeholders are left untouched.
func (p Params) Expand(s string) string {
	if len(p) == 0 || !strings.Contains(s, "{") {
		return s
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", p[Placeholder(k)])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// ExpandAll expands every string in in.
func (p Params) ExpandAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = p.Expand(s)
	}
	return out
}
