// Package mask implements both halves of the masking stage's shared data
// model — the KeepRule/KeepRuleSet types the marker produces and the masker
// consumes (spec §3, §9 ownership model) — and the payload masker itself
// (spec §4.5).
package mask

import (
	"sort"

	"github.com/pktmask/pktmask/internal/flowkey"
)

// RuleKind tags a KeepRule for statistics only; it never changes masking
// behaviour (spec §3). It does gate merging: header-only and full-record
// rules are never merged into each other (spec §4.4 step 7).
type RuleKind string

const (
	KindFullRecord  RuleKind = "full_record"
	KindHeaderOnly  RuleKind = "header_only"
	KindFailSafe    RuleKind = "fail_safe"
)

// KeepRule is a half-open byte range, in logical-sequence space, that must
// survive masking (spec GLOSSARY, §3).
type KeepRule struct {
	Flow      flowkey.FlowKey
	Direction flowkey.Direction
	SeqStart  uint64
	SeqEnd    uint64 // half-open: SeqStart < SeqEnd
	Kind      RuleKind
}

func (r KeepRule) valid() bool { return r.SeqStart < r.SeqEnd }

// groupKey identifies one (flow, direction) bucket of rules.
type groupKey struct {
	flow uint64
	dir  flowkey.Direction
}

// KeepRuleSet holds every rule for one file, grouped by (flow, direction),
// each group sorted by SeqStart and non-overlapping after normalisation
// (spec §3).
type KeepRuleSet struct {
	groups map[groupKey][]KeepRule
	// Summary statistics, informational (spec §3).
	TotalRules     int
	DiscardedRules int
}

func NewKeepRuleSet() *KeepRuleSet {
	return &KeepRuleSet{groups: make(map[groupKey][]KeepRule)}
}

// Add inserts a candidate rule into its (flow, direction) bucket. Rules must
// be normalised (Normalize) before being used for lookup.
func (s *KeepRuleSet) Add(r KeepRule) {
	if !r.valid() {
		s.DiscardedRules++
		return
	}
	k := groupKey{flow: r.Flow.Hash(), dir: r.Direction}
	s.groups[k] = append(s.groups[k], r)
	s.TotalRules++
}

// Normalize sorts each group by SeqStart and merges adjacent/overlapping
// rules of the same Kind, per spec §4.4 step 7-8. Must be called after the
// marker has added every candidate rule and before the masker performs any
// lookup; calling it again on a normalised set leaves the rules unchanged.
func (s *KeepRuleSet) Normalize() {
	for k, rules := range s.groups {
		sort.Slice(rules, func(i, j int) bool {
			if rules[i].SeqStart != rules[j].SeqStart {
				return rules[i].SeqStart < rules[j].SeqStart
			}
			return rules[i].SeqEnd < rules[j].SeqEnd
		})
		merged := make([]KeepRule, 0, len(rules))
		for _, r := range rules {
			if n := len(merged); n > 0 {
				last := &merged[n-1]
				if last.Kind == r.Kind && r.SeqStart <= last.SeqEnd {
					if r.SeqEnd > last.SeqEnd {
						last.SeqEnd = r.SeqEnd
					}
					continue
				}
			}
			merged = append(merged, r)
		}
		s.groups[k] = merged
	}
}

// lookup returns every rule in (flow, direction) overlapping [segStart,
// segEnd), using binary search for the first candidate then a linear scan,
// per spec §9 ("O(log n + k) per segment where k is the number of
// overlapping rules, usually <= 2").
func (s *KeepRuleSet) lookup(flow flowkey.FlowKey, dir flowkey.Direction, segStart, segEnd uint64) []KeepRule {
	rules := s.groups[groupKey{flow: flow.Hash(), dir: dir}]
	if len(rules) == 0 {
		return nil
	}
	i := sort.Search(len(rules), func(i int) bool {
		return rules[i].SeqEnd > segStart
	})
	var out []KeepRule
	for ; i < len(rules) && rules[i].SeqStart < segEnd; i++ {
		out = append(out, rules[i])
	}
	return out
}

// HasRules reports whether any rule exists for (flow, direction) in either
// direction, used by the masker's flow-match gate (spec §4.5 step 2).
func (s *KeepRuleSet) HasRules(flow flowkey.FlowKey) bool {
	return len(s.groups[groupKey{flow: flow.Hash(), dir: flowkey.DirForward}]) > 0 ||
		len(s.groups[groupKey{flow: flow.Hash(), dir: flowkey.DirReverse}]) > 0
}
