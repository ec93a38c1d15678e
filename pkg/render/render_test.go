package render

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var u1Time = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func branchedPath(t *testing.T) []conversation.BranchInfo {
	tree := conversation.NewTree()
	u1 := conversation.NewTextMessage(conversation.RoleUser, "What's the weather?", conversation.WithID("u1"))
	a1 := conversation.NewTextMessage(conversation.RoleAssistant, "Sunny.", conversation.WithID("a1"))
	a2 := conversation.NewMessage(conversation.RoleAssistant,
		conversation.WithID("a2"),
		conversation.WithParts(
			&conversation.ReasoningPart{Text: "check the tool", State: conversation.PartStateDone},
			&conversation.ToolPart{
				ToolCallID: "call-1",
				ToolName:   "weather",
				State:      conversation.ToolStateOutputAvailable,
				Input:      json.RawMessage(`{ "city": "Paris" }`),
				Output:     json.RawMessage(`{"temp":21}`),
			},
			&conversation.TextPart{Text: "It is 21 degrees.", State: conversation.PartStateDone},
		),
	)
	a2.SetMetadata(conversation.MetadataKeyStatus, conversation.MessageStatusComplete)

	_, err := tree.Upsert(conversation.RootID, u1, 1, u1Time)
	require.NoError(t, err)
	_, err = tree.Upsert("u1", a1, 2, u1Time)
	require.NoError(t, err)
	_, err = tree.Upsert("u1", a2, 2, u1Time)
	require.NoError(t, err)
	require.NoError(t, tree.SwitchActiveBranch("a2"))
	return tree.ActivePathWithBranchInfo()
}

func TestRenderVerbose(t *testing.T) {
	r := &Renderer{}
	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, "c1", branchedPath(t)))
	out := buf.String()

	assert.Contains(t, out, "# Conversation c1")
	assert.Contains(t, out, "### User `u1`")
	assert.Contains(t, out, "### Assistant `a2` - version 2 of 2")
	assert.Contains(t, out, "- **Status**: complete")
	assert.Contains(t, out, "> check the tool")
	assert.Contains(t, out, "`weather` tool call call-1: output-available")
	assert.Contains(t, out, `input: {"city":"Paris"}`)
	assert.Contains(t, out, "It is 21 degrees.")
	assert.NotContains(t, out, "Tokens")
}

func TestRenderConcise(t *testing.T) {
	r := &Renderer{Concise: true, RenameRoles: map[string]string{"assistant": "bot"}}
	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, "", branchedPath(t)))
	out := buf.String()

	assert.Contains(t, out, "**user**: What's the weather?")
	assert.Contains(t, out, "**bot** (2/2):")
	assert.NotContains(t, out, "# Conversation")
}

func TestRenderCountsTokens(t *testing.T) {
	r := &Renderer{Encoding: "cl100k_base"}
	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, "c1", branchedPath(t)))
	assert.Contains(t, buf.String(), "- **Tokens**: ")

	r = &Renderer{Encoding: "no-such-encoding"}
	assert.Error(t, r.Render(&bytes.Buffer{}, "c1", branchedPath(t)))
}

func TestPartTextFiles(t *testing.T) {
	assert.Equal(t, "[file: notes.txt]", PartText(&conversation.FilePart{Filename: "notes.txt", URL: "data:text/plain;base64,aGk="}))
	assert.Equal(t, "[file: image/png](https://example.com/a.png)", PartText(&conversation.FilePart{MediaType: "image/png", URL: "https://example.com/a.png"}))
	assert.Equal(t, "[Go](https://go.dev)", PartText(&conversation.SourcePart{URL: "https://go.dev", Title: "Go"}))
}

func TestPartTextStreamingToolInput(t *testing.T) {
	p := &conversation.ToolPart{
		ToolCallID: "call-1",
		ToolName:   "get_weather",
		State:      conversation.ToolStateInputStreaming,
		InputText:  `{"city":"Par`,
	}
	assert.Contains(t, PartText(p), `input so far: {"city":"Par`)
}
