package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/marketplace-sync/model"
)

type testSummarizer struct {
	transcript string
	err        error
}

func (s *testSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	s.transcript = transcript
	return "summary", s.err
}

func Test_NewTranscript(t *testing.T) {
	vendorMsg := newTestMessage("m2", testScope, testNow.Add(time.Second), "vendor")
	vendorMsg.Fields[model.FieldContent] = "Our price is $1,200 for the full day"
	pending := newTestMessage("tmp-1", testScope, testNow.Add(2*time.Second), "organizer")
	pending.Pending = true

	transcript := NewTranscript(model.RecordList{
		newTestMessage("m1", testScope, testNow, "organizer"),
		vendorMsg,
		pending,
		newTestMessage("m3", testScope, testNow.Add(3*time.Second), "organizer"),
	})

	require.Equal(t, map[string]string{"organizer": "Party A", "vendor": "Party B"}, transcript.Parties)
	require.Equal(t, "Party A: content of m1\nParty B: Our price is $1,200 for the full day\nParty A: content of m3\n", transcript.String())
}

func Test_Session_Summarize(t *testing.T) {
	s := newTestSession(t, model.MessagesTable)
	summarizer := &testSummarizer{}

	// Nothing to summarize
	summary, err := s.Summarize(context.Background(), summarizer)
	require.NoError(t, err)
	require.Equal(t, NoBusinessDiscussion, summary)
	require.Empty(t, summarizer.transcript)

	s.feed.handler().OnInsert(newTestMessage("m1", testScope, testNow, "organizer"))
	s.flush(t)
	summary, err = s.Summarize(context.Background(), summarizer)
	require.NoError(t, err)
	require.Equal(t, "summary", summary)
	require.Equal(t, "Party A: content of m1\n", summarizer.transcript)

	summarizer.err = errors.New("model unavailable")
	_, err = s.Summarize(context.Background(), summarizer)
	require.ErrorIs(t, err, summarizer.err)

	_, err = s.Summarize(context.Background(), nil)
	require.Error(t, err)

	proposals := newTestSession(t, model.ProposalsTable)
	_, err = proposals.Summarize(context.Background(), summarizer)
	require.ErrorIs(t, err, model.ErrInvalidTable)
}

func Test_DigestSummarizer(t *testing.T) {
	summary, err := DigestSummarizer{}.Summarize(context.Background(), "Party A: Hello\nParty B: Hi there\n")
	require.NoError(t, err)
	require.Equal(t, NoBusinessDiscussion, summary)

	summary, err = DigestSummarizer{}.Summarize(context.Background(),
		"Party A: Hello, what is your rate?\nParty B: $1,200.50 for the day\nParty A: Can you do 1000 EUR?\nParty B: Deal\n")
	require.NoError(t, err)
	require.Contains(t, summary, "- Party A: 2 messages")
	require.Contains(t, summary, "- Party B: 2 messages")
	require.Contains(t, summary, "- Party B: $1,200.50 for the day")
	require.Contains(t, summary, "- Party A: Can you do 1000 EUR?")
	require.NotContains(t, summary, "Deal")
}
