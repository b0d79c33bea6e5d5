package rules

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Label is one category outcome of classification.
type Label uint8

// Canonical order; Set iteration follows it.
const (
	TimeDisplaced Label = iota
	Exempted
	EscalatedReview
	FlaggedUrgent
	Violation
	Annotated
	Complaint
	Unclassified

	labelCount
)

var labelInfo = [labelCount]struct {
	key     string
	display string
}{
	TimeDisplaced:   {"time-displaced", "非当天"},
	Exempted:        {"exempted", "白名单"},
	EscalatedReview: {"escalated-review", "复审"},
	FlaggedUrgent:   {"flagged-urgent", "注意审核"},
	Violation:       {"violation", "违规"},
	Annotated:       {"annotated", "辛苦审核"},
	Complaint:       {"complaint", "投诉"},
	Unclassified:    {"unclassified", "无标签"},
}

func AllLabels() []Label {
	out := make([]Label, 0, labelCount)
	for l := Label(0); l < labelCount; l++ {
		out = append(out, l)
	}
	return out
}

func (l Label) String() string {
	if l >= labelCount {
		return fmt.Sprintf("label(%d)", uint8(l))
	}
	return labelInfo[l].key
}

// DisplayName is the human-facing name used in prompts and reminders.
func (l Label) DisplayName() string {
	if l >= labelCount {
		return l.String()
	}
	return labelInfo[l].display
}

func ParseLabel(s string) (Label, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l := Label(0); l < labelCount; l++ {
		if labelInfo[l].key == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown label %q", s)
}

// Set is an unordered set of labels; iteration is in canonical order.
type Set uint16

func SetOf(labels ...Label) Set {
	var s Set
	for _, l := range labels {
		s = s.Add(l)
	}
	return s
}

func (s Set) Add(l Label) Set     { return s | 1<<l }
func (s Set) Has(l Label) bool    { return s&(1<<l) != 0 }
func (s Set) Empty() bool         { return s == 0 }
func (s Set) Intersect(o Set) Set { return s & o }

func (s Set) Len() int {
	n := 0
	for l := Label(0); l < labelCount; l++ {
		if s.Has(l) {
			n++
		}
	}
	return n
}

func (s Set) Labels() []Label {
	out := make([]Label, 0, s.Len())
	for l := Label(0); l < labelCount; l++ {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

func (s Set) DisplayNames() []string {
	ls := s.Labels()
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.DisplayName()
	}
	return out
}

func (s Set) String() string {
	ls := s.Labels()
	parts := make([]string, len(ls))
	for i, l := range ls {
		parts[i] = l.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s Set) MarshalJSON() ([]byte, error) {
	ls := s.Labels()
	keys := make([]string, len(ls))
	for i, l := range ls {
		keys[i] = l.String()
	}
	return json.Marshal(keys)
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	out, err := ParseSet(keys)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// ParseSet parses label keys; duplicates collapse.
func ParseSet(keys []string) (Set, error) {
	var out Set
	for _, k := range keys {
		l, err := ParseLabel(k)
		if err != nil {
			return 0, err
		}
		out = out.Add(l)
	}
	return out, nil
}
