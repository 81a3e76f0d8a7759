package client

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/itiky/marketplace-sync/model"
)

// NoBusinessDiscussion is the summary of a conversation without business terms.
const NoBusinessDiscussion = "No business-relevant discussion identified."

// Summarizer produces a business summary of a two-party conversation transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Transcript is a conversation rendered for summarization.
// Participants are named "Party A" / "Party B" in the order they first wrote.
type Transcript struct {
	Parties map[string]string // sender id -> party name
	Lines   []TranscriptLine
}

// TranscriptLine is a single transcript message.
type TranscriptLine struct {
	Party   string
	Content string
}

// String renders one "Party: content" line per message.
func (t Transcript) String() string {
	b := strings.Builder{}
	for _, line := range t.Lines {
		fmt.Fprintf(&b, "%s: %s\n", line.Party, line.Content)
	}

	return b.String()
}

// NewTranscript renders confirmed messages of the reconciled view, provisional records are skipped.
func NewTranscript(records model.RecordList) Transcript {
	t := Transcript{Parties: make(map[string]string)}
	for _, rec := range records {
		if rec.Pending {
			continue
		}
		content := strings.TrimSpace(rec.Fields.String(model.FieldContent))
		if content == "" {
			continue
		}

		senderId := rec.Fields.String(model.FieldSenderID)
		party, found := t.Parties[senderId]
		if !found {
			party = partyName(len(t.Parties))
			t.Parties[senderId] = party
		}
		t.Lines = append(t.Lines, TranscriptLine{Party: party, Content: content})
	}

	return t
}

// partyName returns "Party A", "Party B", ... for the participant index.
func partyName(idx int) string {
	if idx < 26 {
		return "Party " + string(rune('A'+idx))
	}

	return fmt.Sprintf("Party %d", idx+1)
}

// Summarize summarizes the conversation displayed by the session.
func (s *Session) Summarize(ctx context.Context, summarizer Summarizer) (string, error) {
	if s.table != model.MessagesTable {
		return "", fmt.Errorf("%s: %w: messages expected", s.table, model.ErrInvalidTable)
	}
	if summarizer == nil {
		return "", fmt.Errorf("%s: nil", "summarizer")
	}

	transcript := NewTranscript(s.Snapshot())
	if len(transcript.Lines) == 0 {
		return NoBusinessDiscussion, nil
	}

	summary, err := summarizer.Summarize(ctx, transcript.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	return summary, nil
}

// figureRe matches amounts like "$1,200.50", "1200" or "300 EUR".
var figureRe = regexp.MustCompile(`[$€£]?\d[\d,]*(?:\.\d+)?(?:\s?(?:USD|EUR|GBP|k))?`)

// DigestSummarizer is an offline Summarizer: per-party message counts and the lines quoting figures,
// exact figures are kept verbatim.
type DigestSummarizer struct{}

// Summarize implements Summarizer interface.
func (DigestSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	type partyStats struct {
		name     string
		messages int
	}

	stats := make([]*partyStats, 0, 2)
	figures := make([]string, 0)
	for _, line := range strings.Split(transcript, "\n") {
		party, content, found := strings.Cut(line, ": ")
		if !found {
			continue
		}

		p, ok := lo.Find(stats, func(p *partyStats) bool { return p.name == party })
		if !ok {
			p = &partyStats{name: party}
			stats = append(stats, p)
		}
		p.messages++

		if figureRe.MatchString(content) {
			figures = append(figures, line)
		}
	}
	if len(figures) == 0 {
		return NoBusinessDiscussion, nil
	}

	b := strings.Builder{}
	b.WriteString("Participants:\n")
	for _, p := range stats {
		fmt.Fprintf(&b, "- %s: %d messages\n", p.name, p.messages)
	}
	b.WriteString("Financial terms:\n")
	for _, line := range figures {
		fmt.Fprintf(&b, "- %s\n", line)
	}

	return b.String(), nil
}
