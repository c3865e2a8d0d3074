package brain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/pkg/contextmgr"
	"sceneforge/pkg/llm"
)

func testPacket() *contextmgr.Packet {
	return &contextmgr.Packet{
		ProjectID:       "p1",
		UserInstruction: "make scene two match the intro colors",
		SceneSummaries: []contextmgr.SceneSummary{
			{ID: "s1", Name: "Intro", Order: 0, DurationFrames: 90},
			{ID: "s2", Name: "Main", Order: 1, DurationFrames: 150},
		},
		ImageReferences: []contextmgr.ImageRef{{URL: "https://img/a.png", Position: 1}},
	}
}

func newEngine(client llm.Client) *Engine {
	return NewEngine(client, time.Second, nil)
}

func TestDecideEditWithReference(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueResponse(`{"operation":"edit","target_scene_id":"s2","referenced_scene_ids":["s1"],"acknowledgement":"Matching scene 2 to the intro's colors."}`)

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.Equal(t, OpEdit, d.Operation)
	assert.Equal(t, "s2", d.TargetSceneID)
	assert.Equal(t, []string{"s1"}, d.ReferencedSceneIDs)
	assert.False(t, d.NeedsClarification)
	assert.Equal(t, 1, mock.CallCount())
}

func TestDecideToleratesFencedReply(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueResponse("Here you go:\n```json\n{\"operation\":\"create\",\"acknowledgement\":\"Adding a new scene.\"}\n```")

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.Equal(t, OpCreate, d.Operation)
}

func TestDecideRetriesOnMalformedThenSucceeds(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueResponse("sorry, I can't help with that")
	mock.QueueResponse(`{"operation":"delete","target_scene_id":"s1","acknowledgement":"Deleting the intro."}`)

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.Equal(t, OpDelete, d.Operation)
	assert.Equal(t, 2, mock.CallCount())

	// Second call carries the strict instructions.
	calls := mock.Calls()
	assert.Contains(t, calls[1].Messages[0].Content, "previous reply was rejected")
}

func TestDecideFallsBackToClarification(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueResponse("not json")
	mock.QueueResponse("still not json")

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.True(t, d.NeedsClarification)
	assert.NotEmpty(t, d.Question)
	assert.Equal(t, 2, mock.CallCount())
}

func TestDecidePassesThroughModelClarification(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueResponse(`{"needs_clarification":true,"question":"Which scene do you mean?"}`)

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.True(t, d.NeedsClarification)
	assert.Equal(t, "Which scene do you mean?", d.Question)
}

func TestDecideAbortsOnContextCancel(t *testing.T) {
	mock := llm.NewMockClient()
	mock.QueueError(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(mock).Decide(ctx, testPacket())
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, mock.CallCount(), 1)
}

func TestValidateDecision(t *testing.T) {
	packet := testPacket()

	cases := []struct {
		name    string
		d       Decision
		wantErr string
	}{
		{"edit missing target", Decision{Operation: OpEdit, Acknowledgement: "x"}, "missing target"},
		{"edit unknown target", Decision{Operation: OpEdit, TargetSceneID: "nope", Acknowledgement: "x"}, "unknown scene"},
		{"unknown reference", Decision{Operation: OpEdit, TargetSceneID: "s1", ReferencedSceneIDs: []string{"ghost"}, Acknowledgement: "x"}, "unknown scene"},
		{"retime nonpositive", Decision{Operation: OpRetime, TargetSceneID: "s1", Acknowledgement: "x"}, "positive duration"},
		{"unknown operation", Decision{Operation: "merge", Acknowledgement: "x"}, "unknown operation"},
		{"missing acknowledgement", Decision{Operation: OpCreate}, "acknowledgement"},
		{"clarification without question", Decision{NeedsClarification: true}, "no question"},
		{"valid create", Decision{Operation: OpCreate, Acknowledgement: "x"}, ""},
		{"valid retime", Decision{Operation: OpRetime, TargetSceneID: "s2", TargetDurationFrames: 300, Acknowledgement: "x"}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateDecision(tc.d, packet)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDecideRejectsInvalidThenClarifies(t *testing.T) {
	// Structurally valid JSON that fails boundary validation both times.
	mock := llm.NewMockClient()
	mock.QueueResponse(`{"operation":"edit","target_scene_id":"deleted-scene","acknowledgement":"x"}`)
	mock.QueueResponse(`{"operation":"edit","target_scene_id":"deleted-scene","acknowledgement":"x"}`)

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.True(t, d.NeedsClarification)
}

func TestDecideSurfacesTransportErrors(t *testing.T) {
	boom := errors.New("connection refused")
	mock := llm.NewMockClient()
	mock.QueueError(boom)
	mock.QueueError(boom)

	d, err := newEngine(mock).Decide(context.Background(), testPacket())
	require.NoError(t, err)
	assert.True(t, d.NeedsClarification)
}
