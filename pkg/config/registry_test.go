package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRegistry = `
src_to_tgt:
  title: Name
  state: Status
tgt_to_src:
  Name: title
  Status: state
property_types:
  Name: title
  Status: status
status_map:
  src_to_tgt:
    Open: In Progress
  tgt_to_src:
    In Progress: open
  src_default: open
  tgt_default: In Progress
`

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]byte(validRegistry))
	require.NoError(t, err)

	assert.Equal(t, "Name", reg.SrcToTgt["title"])
	assert.Equal(t, "title", reg.TgtToSrc["Name"])
	assert.Equal(t, 50, reg.SyncOptions.BatchSize, "batch size defaults")
}

func TestParseRegistryFoldsStatusKeys(t *testing.T) {
	reg, err := ParseRegistry([]byte(validRegistry))
	require.NoError(t, err)

	assert.Equal(t, "In Progress", reg.StatusMap.SrcToTgt["open"])
	assert.Equal(t, "open", reg.StatusMap.TgtToSrc["in progress"])
	_, upperKept := reg.StatusMap.SrcToTgt["Open"]
	assert.False(t, upperKept)
}

func TestParseRegistryRejectsUnknownPropertyKind(t *testing.T) {
	_, err := ParseRegistry([]byte(`
src_to_tgt:
  title: Name
tgt_to_src:
  Name: title
property_types:
  Name: formula
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestParseRegistryRejectsDanglingReference(t *testing.T) {
	_, err := ParseRegistry([]byte(`
src_to_tgt:
  title: Missing
tgt_to_src:
  Name: title
property_types:
  Name: title
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing")
}

func TestParseRegistryRejectsInvalidYAML(t *testing.T) {
	_, err := ParseRegistry([]byte("src_to_tgt: ["))
	assert.Error(t, err)
}

func TestIgnoredLabel(t *testing.T) {
	reg := &Registry{Filters: Filters{IgnoredLabels: []string{"wontfix"}}}
	assert.True(t, reg.IgnoredLabel("WontFix"))
	assert.False(t, reg.IgnoredLabel("bug"))
}
