package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
)

func sampleTranscript() (studystore.Conversation, []studystore.Message) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dur := int64(90_000)
	end := start.Add(90 * time.Second)
	conv := studystore.Conversation{
		ID:                "c1",
		ParticipantID:     "PROLIFIC0001",
		ScenarioID:        "aita-1",
		Category:          "aita",
		StartTime:         start,
		EndTime:           &end,
		DurationMs:        &dur,
		InteractionCount:  1,
		CompletedNormally: true,
	}
	msgs := []studystore.Message{
		{ID: "m1", Role: studystore.RoleAssistant, Content: "What do you think?", SequenceNumber: 1, Timestamp: start},
		{ID: "m2", Role: studystore.RoleParticipant, Content: "Not at fault.", SequenceNumber: 2, Timestamp: start.Add(time.Second)},
		{ID: "m3", Role: studystore.RoleAssistant, Content: "Why?", SequenceNumber: 3, Timestamp: start.Add(2 * time.Second)},
	}
	return conv, msgs
}

func TestPlainTranscript(t *testing.T) {
	_, msgs := sampleTranscript()
	require.Equal(t, "AI: What do you think?\n\nYou: Not at fault.\n\nAI: Why?", plainTranscript(msgs))
	require.Equal(t, "", plainTranscript(nil))
}

func TestWriteTranscript(t *testing.T) {
	conv, msgs := sampleTranscript()
	var buf bytes.Buffer
	require.NoError(t, writeTranscript(&buf, conv, msgs))
	out := buf.String()
	require.Contains(t, out, "Conversation c1")
	require.Contains(t, out, "participant PROLIFIC0001")
	require.Contains(t, out, "ended early after 1m30s")
	require.Contains(t, out, "1 exchanges")
	require.Contains(t, out, "Not at fault.")
}

func TestConversationStatus(t *testing.T) {
	end := time.Now()
	require.Equal(t, "open", conversationStatus(studystore.Conversation{}))
	require.Equal(t, "timed out", conversationStatus(studystore.Conversation{EndTime: &end, TimedOut: true}))
	require.Equal(t, "ended early", conversationStatus(studystore.Conversation{EndTime: &end, CompletedNormally: true}))
}
