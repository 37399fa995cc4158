package synth

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dlpgate/inspector/internal/exchange"
)

func blockDecision() exchange.Decision {
	return exchange.Block("pii_detected_1_entities", &exchange.Detail{
		Message:  "Personal information was detected.",
		Entities: []exchange.Entity{{Type: "PHONE_NUM", Value: "010-1234-5678", Confidence: 0.9, TokenCount: 3}},
		Reason:   "pattern",
	})
}

func TestSynthesize_RoundTrip(t *testing.T) {
	createTime := 1700000000.5
	link := &exchange.ThreadLinkage{
		ConversationID:  "conv-123",
		ParentMessageID: "parent-456",
		UserMessageID:   "user-789",
		UserCreateTime:  &createTime,
	}

	msg := "Blocked <script> & \"quotes\"\n\nsecond paragraph"
	out, err := New().Synthesize(blockDecision(), link, msg)
	require.NoError(t, err)

	stream, err := ParseStream(bytes.NewReader(out))
	require.NoError(t, err)
	assert.True(t, stream.Done)
	require.Len(t, stream.Envelopes, 1)

	env := stream.Envelopes[0]
	assert.Equal(t, "conv-123", env.ConversationID)
	assert.Nil(t, env.Error)
	assert.Equal(t, "assistant", env.Message.Author.Role)
	assert.True(t, env.Message.EndTurn)
	assert.Equal(t, "finished_successfully", env.Message.Status)
	assert.Equal(t, []string{msg}, env.Message.Content.Parts)
	assert.Equal(t, "parent-456", env.Message.Parent)
	require.NotNil(t, env.Message.Metadata.ParentID)
	assert.Equal(t, "parent-456", *env.Message.Metadata.ParentID)
	assert.True(t, env.Message.Metadata.IsComplete)
	assert.Equal(t, "stop", env.Message.Metadata.FinishDetails.Type)
	assert.InDelta(t, createTime+1.2, env.Message.CreateTime, 1e-6)
	assert.Equal(t, env.Message.CreateTime, env.Message.UpdateTime)
	assert.True(t, strings.HasPrefix(env.Message.ID, "block-"))
	assert.Len(t, env.Message.ID, len("block-")+8)

	require.NotNil(t, env.Message.Metadata.BlockDetails)
	assert.Equal(t, "PHONE_NUM", env.Message.Metadata.BlockDetails.Entities[0].Type)
}

func TestSynthesize_Framing(t *testing.T) {
	out, err := New().Synthesize(blockDecision(), nil, "<b>blocked</b> & more")
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "data: {"))
	assert.True(t, strings.HasSuffix(s, "}\n\ndata: [DONE]\n\n"))
	assert.Equal(t, 2, strings.Count(s, "data: "))
	assert.Contains(t, s, "<b>blocked</b> & more")
}

func TestSynthesize_FreshLinkage(t *testing.T) {
	now := time.Unix(1710000000, 0)
	out, err := New(WithClock(func() time.Time { return now })).Synthesize(blockDecision(), nil, "blocked")
	require.NoError(t, err)

	data := strings.TrimPrefix(strings.SplitN(string(out), "\n\n", 2)[0], "data: ")
	res := gjson.Parse(data)

	assert.Len(t, res.Get("conversation_id").String(), 36)
	assert.Equal(t, float64(1710000000), res.Get("message.create_time").Float())
	assert.False(t, res.Get("message.parent").Exists())
	assert.Equal(t, gjson.Null, res.Get("message.metadata.parent_id").Type)
	assert.Equal(t, gjson.Null, res.Get("message.author.name").Type)
	assert.Equal(t, gjson.Null, res.Get("error").Type)
	assert.Equal(t, "absolute", res.Get("message.metadata.timestamp_").String())
	assert.Equal(t, int64(100260), res.Get("message.metadata.finish_details.stop_tokens.0").Int())
}

func TestSynthesize_UserMessageFallback(t *testing.T) {
	link := &exchange.ThreadLinkage{UserMessageID: "user-1"}
	env := New(WithModelSlug("gpt-4o")).Build(blockDecision(), link, "blocked")
	assert.Equal(t, "user-1", env.Message.Parent)
	assert.Equal(t, "gpt-4o", env.Message.Metadata.ModelSlug)
	assert.NotEmpty(t, env.ConversationID)
}

func TestWriteBlock_Headers(t *testing.T) {
	out, err := New().Synthesize(blockDecision(), nil, "blocked")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Length", "10")
	require.NoError(t, WriteBlock(rec, out))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, out, rec.Body.Bytes())
}

func TestParseStream_CRLFAndComments(t *testing.T) {
	input := ": keepalive\r\n\r\ndata: {\"message\":{\"id\":\"m1\",\"end_turn\":true},\"conversation_id\":\"c\"}\r\n\r\ndata: [DONE]"
	s, err := ParseStream(strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, s.Done)
	require.Len(t, s.Envelopes, 1)
	assert.Equal(t, "m1", s.Envelopes[0].Message.ID)
}

func TestParseStream_Errors(t *testing.T) {
	_, err := ParseStream(strings.NewReader("data: {not json}\n\n"))
	require.Error(t, err)

	_, err = ParseStream(strings.NewReader("data: [DONE]\n\ndata: {}\n\n"))
	require.Error(t, err)
}
