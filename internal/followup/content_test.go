package followup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/readiness"
	"github.com/wolfman30/vet-followup/internal/retry"
)

func TestBuildPromptPrefersExternalNote(t *testing.T) {
	c := dischargeCase()
	c.Source = readiness.SourceExternal
	c.ExternalNote = "Imported note: TPLO recheck in 10 days."
	c.Demographics.Species = "canine"

	system, user := buildPrompt(c, calls.ChannelCall)
	assert.Contains(t, system, "JSON")
	assert.Contains(t, user, "Patient: Biscuit (canine)")
	assert.Contains(t, user, "TPLO recheck")
	assert.NotContains(t, user, "Soft food")
	assert.Contains(t, user, `{"script"`)

	_, user = buildPrompt(c, calls.ChannelEmail)
	assert.Contains(t, user, `{"subject"`)
}

func TestBuildPromptClipsLongNotes(t *testing.T) {
	c := dischargeCase()
	c.Summary = strings.Repeat("é", maxNoteChars+500)

	_, user := buildPrompt(c, calls.ChannelCall)
	assert.Equal(t, maxNoteChars, strings.Count(user, "é"))
}

func TestParseContent(t *testing.T) {
	got, err := parseContent("```json\n{\"script\": \"  Hi Sam!  \"}\n```", calls.ChannelCall)
	require.NoError(t, err)
	assert.Equal(t, "Hi Sam!", got.Script)

	got, err = parseContent(`{"subject":"Checking in","body":"How is Biscuit?"}`, calls.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, "Checking in", got.Subject)

	for _, tc := range []struct {
		raw     string
		channel calls.Channel
	}{
		{"no json here", calls.ChannelCall},
		{"} backwards {", calls.ChannelCall},
		{`{"script": 42}`, calls.ChannelCall},
		{`{"subject":"Only a subject"}`, calls.ChannelEmail},
		{`{"subject":"x","body":"y"}`, calls.ChannelCall},
	} {
		_, err := parseContent(tc.raw, tc.channel)
		assert.ErrorIs(t, err, retry.ErrMalformed, tc.raw)
		assert.Equal(t, retry.Malformed, retry.Classify(err), tc.raw)
	}
}
