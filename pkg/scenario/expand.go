package scenario

import (
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/params"
)

// Instance is one concrete case: a Case with a single combination of variants
// applied.
type Instance struct {
	// Name is the case name followed by the variant names, dot separated.
	Name     string
	Case     *Case
	Variants []string
	Tags     []string
	Params   params.Params
}

// Expand returns one instance per combination of variants, in declaration order.
// Params are layered as: case params, then each variant's params in group order.
// The case VM becomes main_vm unless a param already sets it.
func Expand(c *Case) []Instance {
	combos := [][]Variant{{}}
	for _, group := range c.Variants {
		next := make([][]Variant, 0, len(combos)*len(group))
		for _, combo := range combos {
			for _, v := range group {
				next = append(next, append(slices.Clone(combo), v))
			}
		}
		combos = next
	}

	out := make([]Instance, 0, len(combos))
	for _, combo := range combos {
		p := params.New(c.Params)
		names := make([]string, 0, len(combo))
		tags := slices.Clone(c.Tags)
		for _, v := range combo {
			p = p.Merge(v.Params)
			names = append(names, v.Name)
			tags = append(tags, v.Tags...)
		}
		if c.VM != "" && !p.Has(params.KeyMainVM) {
			p.Set(params.KeyMainVM, c.VM)
		}

		out = append(out, Instance{
			Name:     strings.Join(append([]string{c.Name}, names...), "."),
			Case:     c,
			Variants: names,
			Tags:     dedup(tags),
			Params:   p,
		})
	}
	return out
}

// ExpandAll expands every case.
func ExpandAll(cases []*Case) []Instance {
	var out []Instance
	for _, c := range cases {
		out = append(out, Expand(c)...)
	}
	return out
}

// Filter keeps the instances carrying at least one of tags. An empty tags list keeps
// everything. A tag prefixed with "!" excludes the instances carrying it.
func Filter(instances []Instance, tags []string) []Instance {
	var include, exclude []string
	for _, t := range tags {
		if rest, ok := strings.CutPrefix(t, "!"); ok {
			exclude = append(exclude, rest)
			continue
		}
		include = append(include, t)
	}

	var out []Instance
	for _, inst := range instances {
		if hasAny(inst.Tags, exclude) {
			continue
		}
		if len(include) > 0 && !hasAny(inst.Tags, include) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Match keeps the instances whose name contains one of patterns as a dot-separated
// component sequence, e.g. "vcpu-hotplug.live" matches "vcpu-hotplug.live.config".
func Match(instances []Instance, patterns []string) []Instance {
	if len(patterns) == 0 {
		return instances
	}
	var out []Instance
	for _, inst := range instances {
		parts := strings.Split(inst.Name, ".")
		for _, pattern := range patterns {
			if containsSeq(parts, strings.Split(pattern, ".")) {
				out = append(out, inst)
				break
			}
		}
	}
	return out
}

func containsSeq(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func hasAny(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

func dedup(in []string) []string {
	var out []string
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
