package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/syncbridge/pkg/config"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
)

func TestIssueSyncHashIgnoresVolatileFields(t *testing.T) {
	a := contracts.IssueRecord{
		SrcRepo: "o/r", SrcNumber: 1, Title: "Bug", Body: "x", State: "open",
		Author: "alice", URL: "https://tracker.example.com/o/r/issues/1",
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	b := a
	b.Author = "bob"
	b.URL = "https://tracker.example.com/mirror/o/r/issues/1"
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)

	ha, err := issueSyncHash(a)
	require.NoError(t, err)
	hb, err := issueSyncHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestIssueSyncHashIsSetOrderInsensitive(t *testing.T) {
	a := contracts.IssueRecord{Title: "Bug", Labels: []string{"ui", "bug", "bug"}, Assignees: []string{"b", "a"}}
	b := contracts.IssueRecord{Title: "Bug", Labels: []string{"bug", "ui"}, Assignees: []string{"a", "b"}}

	ha, err := issueSyncHash(a)
	require.NoError(t, err)
	hb, err := issueSyncHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := b
	c.Labels = []string{"bug"}
	hc, err := issueSyncHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestApplyPatchMatchesEchoHash(t *testing.T) {
	current := contentOf(contracts.IssueRecord{Title: "Old", Body: "x", State: "open"})

	title := "New"
	state := "closed"
	patched := current.apply(contracts.IssuePatch{Title: &title, State: &state})

	wantHash, err := canonicalizeContent(patched)
	require.NoError(t, err)

	// The echo the tracker will send back after the patch lands.
	echo := contracts.IssueRecord{Title: "New", Body: "x", State: "closed"}
	echoHash, err := issueSyncHash(echo)
	require.NoError(t, err)
	assert.Equal(t, wantHash, echoHash)
}

func TestPageSyncHashIgnoresUnmanagedProperties(t *testing.T) {
	reg := &config.Registry{PropertyTypes: map[string]string{"Name": "title", "Status": "status"}}

	managed := map[string]contracts.PropertyValue{
		"Name":   {Kind: contracts.PropertyTitle, Text: "Bug"},
		"Status": {Kind: contracts.PropertyStatus, Select: "Done"},
	}
	withExtra := map[string]contracts.PropertyValue{
		"Name":   {Kind: contracts.PropertyTitle, Text: "Bug"},
		"Status": {Kind: contracts.PropertyStatus, Select: "Done"},
		"Notes":  {Kind: contracts.PropertyRichText, Text: "manual edit"},
	}

	ha, err := pageSyncHash(reg, managed)
	require.NoError(t, err)
	hb, err := pageSyncHash(reg, withExtra)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "unmanaged property edits neither trigger nor suppress sync")

	changed := map[string]contracts.PropertyValue{
		"Name":   {Kind: contracts.PropertyTitle, Text: "Bug!"},
		"Status": {Kind: contracts.PropertyStatus, Select: "Done"},
	}
	hc, err := pageSyncHash(reg, changed)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestSortedSet(t *testing.T) {
	assert.Nil(t, sortedSet(nil))
	assert.Equal(t, []string{"a", "b"}, sortedSet([]string{"b", "a", "b"}))
}

func TestPruneUnchanged(t *testing.T) {
	title := "Same"
	body := "different"
	state := "open"
	patch := contracts.IssuePatch{
		Title: &title, Body: &body, State: &state,
		Labels: []string{"bug", "ui"},
	}
	current := issueContent{Title: "Same", Body: "old", State: "open", Labels: []string{"ui", "bug"}}

	pruned := pruneUnchanged(patch, current)
	assert.Nil(t, pruned.Title)
	assert.Nil(t, pruned.State)
	assert.Nil(t, pruned.Labels)
	require.NotNil(t, pruned.Body)
	assert.Equal(t, "different", *pruned.Body)
	assert.False(t, pruned.Empty())
}
