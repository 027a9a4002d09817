package search

// Expander widens a query's term set with caller-supplied synonyms.
// The synonym table is empty unless configured, which makes expansion
// a no-op.
type Expander struct {
	synonyms map[string][]string
}

// NewExpander builds an expander over the given synonym table. A nil
// table is valid and disables expansion.
func NewExpander(synonyms map[string][]string) *Expander {
	return &Expander{synonyms: synonyms}
}

// Expand appends the synonyms of every input term, deduplicated,
// original terms first.
func (x *Expander) Expand(terms []string) []string {
	if len(x.synonyms) == 0 {
		return terms
	}
	out := make([]string, 0, len(terms))
	seen := make(map[string]bool, len(terms))
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range terms {
		add(t)
	}
	for _, t := range terms {
		for _, syn := range x.synonyms[t] {
			add(syn)
		}
	}
	return out
}
