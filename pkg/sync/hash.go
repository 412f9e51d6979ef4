package sync

import (
	"sort"

	"github.com/Mindburn-Labs/syncbridge/pkg/canonicalize"
	"github.com/Mindburn-Labs/syncbridge/pkg/config"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

// issueContent is the synchronizable surface of an issue. Volatile fields
// (timestamps, URL) stay out so the hash is stable across echoes of the
// same content.
type issueContent struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	State     string   `json:"state"`
	Labels    []string `json:"labels"`
	Assignees []string `json:"assignees"`
}

func contentOf(issue contracts.IssueRecord) issueContent {
	return issueContent{
		Title:     issue.Title,
		Body:      issue.Body,
		State:     issue.State,
		Labels:    sortedSet(issue.Labels),
		Assignees: sortedSet(issue.Assignees),
	}
}

// apply returns the content after an IssuePatch, which is what the issue
// will hash to once the patch lands.
func (c issueContent) apply(patch contracts.IssuePatch) issueContent {
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Body != nil {
		c.Body = *patch.Body
	}
	if patch.State != nil {
		c.State = *patch.State
	}
	if patch.Labels != nil {
		c.Labels = sortedSet(patch.Labels)
	}
	if patch.Assignees != nil {
		c.Assignees = sortedSet(patch.Assignees)
	}
	return c
}

// issueSyncHash is the content hash stored in Mapping.last_src_hash.
func issueSyncHash(issue contracts.IssueRecord) (string, error) {
	return canonicalizeContent(contentOf(issue))
}

func canonicalizeContent(c issueContent) (string, error) {
	c.Labels = sortedSet(c.Labels)
	c.Assignees = sortedSet(c.Assignees)
	return canonicalize.HashRecord(c)
}

// pageSyncHash is the content hash stored in Mapping.last_tgt_hash. Only
// properties the registry manages participate, so edits to unmapped
// properties neither trigger nor suppress synchronization, and the hash of
// an outbound write equals the hash of its echo.
func pageSyncHash(reg *config.Registry, props map[string]contracts.PropertyValue) (string, error) {
	managed := make(map[string]contracts.PropertyValue, len(props))
	for name, pv := range props {
		if _, ok := reg.PropertyTypes[name]; ok {
			managed[name] = pv
		}
	}
	return canonicalize.HashRecord(managed)
}

func sortedSet(in []string) []string {
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
