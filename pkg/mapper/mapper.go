// Package mapper translates between the normalized issue view and the
// target property map under the declarative registry. The mapper is pure:
// same input produces same output, and instead of logging it reports
// warnings to the caller.
package mapper

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/config"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

// MaxTextLength is the provider ceiling for title and rich_text values.
const MaxTextLength = 2000

// Mapper applies the declarative registry in both directions.
type Mapper struct {
	reg *config.Registry
}

// New creates a Mapper over a loaded registry.
func New(reg *config.Registry) *Mapper {
	return &Mapper{reg: reg}
}

// Registry exposes the underlying registry (read-only by convention).
func (m *Mapper) Registry() *config.Registry { return m.reg }

// ShouldSkipIssue applies the ignore filters to a source issue. A non-empty
// reason means the event is recorded as skipped without any outbound call.
func (m *Mapper) ShouldSkipIssue(issue contracts.IssueRecord) (bool, string) {
	if m.reg.Filters.IgnoreBots && strings.HasSuffix(issue.Author, "[bot]") {
		return true, fmt.Sprintf("author %q is a bot", issue.Author)
	}
	for _, label := range issue.Labels {
		if m.reg.IgnoredLabel(label) {
			return true, fmt.Sprintf("label %q is ignored", label)
		}
	}
	return false, ""
}

// IssueToProperties translates an IssueRecord into target properties keyed
// by property name. Unknown source fields are ignored; properties whose
// source value is absent are omitted rather than null-written so partial
// updates never wipe user edits.
func (m *Mapper) IssueToProperties(issue contracts.IssueRecord) (map[string]contracts.PropertyValue, []string) {
	fields := issueFields(issue)
	props := make(map[string]contracts.PropertyValue, len(m.reg.SrcToTgt))
	var warnings []string

	for path, propName := range m.reg.SrcToTgt {
		kind := contracts.PropertyKind(m.reg.PropertyTypes[propName])
		raw, ok := lookupPath(fields, path)
		if !ok && kind != contracts.PropertyCheckbox {
			continue
		}

		value, warn, keep := m.coerce(kind, path, raw, issue)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if keep {
			props[propName] = value
		}
	}
	return props, warnings
}

// PropertiesToIssuePatch translates the mapped, present properties of a page
// into a partial issue update. Only fields covered by the inverse map appear.
func (m *Mapper) PropertiesToIssuePatch(page contracts.PageRecord) (contracts.IssuePatch, []string) {
	var patch contracts.IssuePatch
	var warnings []string

	for propName, path := range m.reg.TgtToSrc {
		value, ok := page.Properties[propName]
		if !ok {
			continue
		}

		switch path {
		case "title":
			s := value.Text
			patch.Title = &s
		case "body":
			s := value.Text
			patch.Body = &s
		case "state":
			status := value.Select
			if status == "" {
				status = value.Text
			}
			mapped, known := m.MapStatusToSrc(status)
			if !known {
				warnings = append(warnings, fmt.Sprintf("status %q unknown, using default %q", status, mapped))
			}
			if mapped != "" {
				patch.State = &mapped
			}
		case "labels":
			patch.Labels = dedupe(value.Multi)
		case "assignees":
			patch.Assignees = dedupe(value.People)
		default:
			warnings = append(warnings, fmt.Sprintf("target property %q maps to unsupported issue field %q", propName, path))
		}
	}
	return patch, warnings
}

// MapStatusToTgt translates a source status into target vocabulary.
// The second return is false when the fallback default was used.
func (m *Mapper) MapStatusToTgt(s string) (string, bool) {
	if v, ok := m.reg.StatusMap.SrcToTgt[strings.ToLower(s)]; ok {
		return v, true
	}
	return m.reg.StatusMap.TgtDefault, false
}

// MapStatusToSrc translates a target status into source vocabulary.
func (m *Mapper) MapStatusToSrc(s string) (string, bool) {
	if v, ok := m.reg.StatusMap.TgtToSrc[strings.ToLower(s)]; ok {
		return v, true
	}
	return m.reg.StatusMap.SrcDefault, false
}

// coerce builds a PropertyValue of the requested kind from a generic source
// value. keep=false omits the property entirely.
func (m *Mapper) coerce(kind contracts.PropertyKind, path string, raw interface{}, issue contracts.IssueRecord) (contracts.PropertyValue, string, bool) {
	switch kind {
	case contracts.PropertyTitle, contracts.PropertyRichText:
		s, ok := raw.(string)
		if !ok {
			return contracts.PropertyValue{}, "", false
		}
		return contracts.PropertyValue{Kind: kind, Text: TruncateText(s)}, "", true

	case contracts.PropertySelect, contracts.PropertyStatus:
		s, ok := raw.(string)
		if !ok {
			return contracts.PropertyValue{}, "", false
		}
		mapped, known := m.MapStatusToTgt(s)
		warn := ""
		if !known {
			warn = fmt.Sprintf("status %q unknown, using default %q", s, mapped)
		}
		return contracts.PropertyValue{Kind: kind, Select: mapped}, warn, mapped != ""

	case contracts.PropertyMultiSelect:
		return contracts.PropertyValue{Kind: kind, Multi: dedupe(toStrings(raw))}, "", true

	case contracts.PropertyNumber:
		switch n := raw.(type) {
		case float64:
			return contracts.PropertyValue{Kind: kind, Number: &n}, "", true
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return contracts.PropertyValue{}, "", false
			}
			return contracts.PropertyValue{Kind: kind, Number: &f}, "", true
		default:
			// Source absent: null number.
			return contracts.PropertyValue{Kind: kind, Number: nil}, "", true
		}

	case contracts.PropertyCheckbox:
		// Derived from the closed state unless the mapping points at a
		// boolean field directly.
		if b, ok := raw.(bool); ok {
			return contracts.PropertyValue{Kind: kind, Checkbox: b}, "", true
		}
		return contracts.PropertyValue{Kind: kind, Checkbox: issue.State == contracts.IssueStateClosed}, "", true

	case contracts.PropertyDate:
		s, ok := raw.(string)
		if !ok || s == "" {
			// Unknown value: property omitted, not null-written.
			return contracts.PropertyValue{}, "", false
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return contracts.PropertyValue{}, fmt.Sprintf("field %q is not a valid date: %q", path, s), false
		}
		utc := t.UTC()
		return contracts.PropertyValue{Kind: kind, Date: &utc}, "", true

	case contracts.PropertyPeople:
		people := dedupe(toStrings(raw))
		return contracts.PropertyValue{Kind: kind, People: people}, "", true

	case contracts.PropertyURL:
		s, ok := raw.(string)
		if !ok {
			return contracts.PropertyValue{}, "", false
		}
		if _, err := url.ParseRequestURI(s); err != nil {
			return contracts.PropertyValue{}, fmt.Sprintf("field %q is not a valid URL: %q", path, s), false
		}
		return contracts.PropertyValue{Kind: kind, URL: s}, "", true
	}

	return contracts.PropertyValue{}, fmt.Sprintf("property kind %q is not supported", kind), false
}

// TruncateText cuts s at MaxTextLength code points, appending an ellipsis
// when truncation occurred. UTF-8 code points are never split.
func TruncateText(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxTextLength {
		return s
	}
	return string(runes[:MaxTextLength-1]) + "…"
}

// issueFields flattens the IssueRecord into the generic shape dotted field
// paths resolve against.
func issueFields(issue contracts.IssueRecord) map[string]interface{} {
	raw, err := json.Marshal(issue)
	if err != nil {
		return map[string]interface{}{}
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]interface{}{}
	}
	return fields
}

// lookupPath resolves a dotted path ("user.login") in a generic JSON map.
func lookupPath(fields map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = fields
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func toStrings(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// dedupe removes duplicates and returns a sorted copy, so that hashing the
// result is deterministic.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
