package rules

import (
	"strings"
	"time"

	"reviewguard/internal/config"
	logx "reviewguard/pkg/logx"
)

// Item is one observed live-session item. It is a snapshot: observers
// replace it wholesale, never mutate it.
type Item struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	DisplayName   string `json:"display_name"`
	Certification string `json:"certification"`
	Description   string `json:"description"`
	Location      string `json:"location"`
	SubmittedAt   int64  `json:"submitted_at,omitempty"` // epoch seconds; 0 = unknown
	Remark        string `json:"remark"`
	Handler       string `json:"handler"`
}

// Keywords are the remark tokens. An empty token disables its rule.
type Keywords struct {
	Review        string
	FlaggedUrgent string
	Annotated     string
	Complaint     string
}

func DefaultKeywords() Keywords {
	return Keywords{
		Review:        "复审",
		FlaggedUrgent: "辛苦注意审核",
		Annotated:     "辛苦审核",
		Complaint:     "投诉",
	}
}

type Exemptions struct {
	UserIDs      []string
	NameKeywords []string
	CertKeywords []string
}

// Rules is the shared rules partition as RuleSet reads it.
type Rules struct {
	Recipients        map[string]string
	Exempt            Exemptions
	HandlerExempt     map[string]Exemptions
	ViolationKeywords []string
	Keywords          Keywords
	ReminderURL       string
}

// FromConfig converts the wire/config shape. A nil input yields empty rules
// with default keywords.
func FromConfig(sr *config.SharedRules) Rules {
	r := Rules{Keywords: DefaultKeywords()}
	if sr == nil {
		return r
	}
	r.Recipients = make(map[string]string, len(sr.Recipients))
	for name, contact := range sr.Recipients {
		r.Recipients[name] = strings.TrimSpace(contact)
	}
	r.Exempt = exemptionsFromConfig(sr.Exempt)
	if len(sr.HandlerExempt) > 0 {
		r.HandlerExempt = make(map[string]Exemptions, len(sr.HandlerExempt))
		for h, e := range sr.HandlerExempt {
			r.HandlerExempt[h] = exemptionsFromConfig(e)
		}
	}
	r.ViolationKeywords = nonEmpty(sr.ViolationKeywords)
	if k := sr.Keywords; k != nil {
		override(&r.Keywords.Review, k.Review)
		override(&r.Keywords.FlaggedUrgent, k.FlaggedUrgent)
		override(&r.Keywords.Annotated, k.Annotated)
		override(&r.Keywords.Complaint, k.Complaint)
	}
	r.ReminderURL = strings.TrimSpace(sr.Webhooks.Reminder)
	return r
}

func exemptionsFromConfig(e config.ExemptList) Exemptions {
	return Exemptions{
		UserIDs:      nonEmpty(e.UserIDs),
		NameKeywords: nonEmpty(e.NameKeywords),
		CertKeywords: nonEmpty(e.CertKeywords),
	}
}

func override(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Contact returns the contact handle for an exact handler-name match.
func (r *Rules) Contact(handler string) (string, bool) {
	if r == nil || handler == "" {
		return "", false
	}
	c, ok := r.Recipients[handler]
	return c, ok
}

// Classify maps an item to its label set. It is deterministic for a given
// (item, rules, now); now also supplies the location used for calendar dates.
//
// An assigned handler missing from the recipient directory gates the whole
// evaluation and yields the empty set. Otherwise the result is never empty.
func Classify(item Item, r *Rules, now time.Time, log logx.Logger) Set {
	if r == nil {
		r = &Rules{Keywords: DefaultKeywords()}
	}
	if item.Handler != "" {
		if _, ok := r.Recipients[item.Handler]; !ok {
			log.Debug("handler not in recipient directory; skipping", logx.String("item", item.ID), logx.String("handler", item.Handler))
			return 0
		}
	}

	var s Set
	if displaced(item.SubmittedAt, now) {
		s = s.Add(TimeDisplaced)
	}
	if reason := exemptReason(item, r.exemptionsFor(item.Handler)); reason != "" {
		log.Debug("item exempted", logx.String("item", item.ID), logx.String("reason", reason))
		s = s.Add(Exempted)
	}
	if contains(item.Remark, r.Keywords.Review) {
		s = s.Add(EscalatedReview)
	}
	// FlaggedUrgent and Annotated are independent substring checks; both may fire.
	if contains(item.Remark, r.Keywords.FlaggedUrgent) {
		s = s.Add(FlaggedUrgent)
	}
	if contains(item.Remark, r.Keywords.Annotated) {
		s = s.Add(Annotated)
	}
	if field, kw := violationMatch(item, r.ViolationKeywords); kw != "" {
		log.Debug("violation keyword matched", logx.String("item", item.ID), logx.String("field", field), logx.String("keyword", kw))
		s = s.Add(Violation)
	}
	if contains(item.Remark, r.Keywords.Complaint) {
		s = s.Add(Complaint)
	}
	if s.Empty() {
		s = s.Add(Unclassified)
	}
	return s
}

// Filter keeps the labels configured to open a visible prompt.
// An empty prompt set means every label prompts.
func Filter(s, prompt Set) Set {
	if prompt.Empty() {
		return s
	}
	return s.Intersect(prompt)
}

func (r *Rules) exemptionsFor(handler string) Exemptions {
	extra, ok := r.HandlerExempt[handler]
	if !ok || handler == "" {
		return r.Exempt
	}
	return Exemptions{
		UserIDs:      append(append([]string(nil), r.Exempt.UserIDs...), extra.UserIDs...),
		NameKeywords: append(append([]string(nil), r.Exempt.NameKeywords...), extra.NameKeywords...),
		CertKeywords: append(append([]string(nil), r.Exempt.CertKeywords...), extra.CertKeywords...),
	}
}

func displaced(submittedAt int64, now time.Time) bool {
	if submittedAt <= 0 {
		return false
	}
	at := time.Unix(submittedAt, 0).In(now.Location())
	y1, m1, d1 := at.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// exemptReason checks owner id, then name, then certification.
func exemptReason(item Item, e Exemptions) string {
	for _, id := range e.UserIDs {
		if item.OwnerID == id {
			return "user_id"
		}
	}
	for _, kw := range e.NameKeywords {
		if contains(item.DisplayName, kw) {
			return "name:" + kw
		}
	}
	for _, kw := range e.CertKeywords {
		if contains(item.Certification, kw) {
			return "cert:" + kw
		}
	}
	return ""
}

// violationMatch scans description, display name, location in that order;
// the first hit wins.
func violationMatch(item Item, keywords []string) (string, string) {
	if len(keywords) == 0 {
		return "", ""
	}
	fields := [...]struct{ name, val string }{
		{"description", item.Description},
		{"display_name", item.DisplayName},
		{"location", item.Location},
	}
	for _, f := range fields {
		for _, kw := range keywords {
			if contains(f.val, kw) {
				return f.name, kw
			}
		}
	}
	return "", ""
}

func contains(s, substr string) bool {
	return substr != "" && strings.Contains(s, substr)
}
