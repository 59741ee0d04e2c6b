package main

import (
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

func cell(t *testing.T, row types.Row, key string) interface{} {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, key)
	return v
}

func TestSelectScenarios(t *testing.T) {
	catalog := scenarios.Default()

	all, err := selectScenarios(catalog, "")
	require.NoError(t, err)
	require.Len(t, all, 8)

	aita, err := selectScenarios(catalog, " aita ")
	require.NoError(t, err)
	require.Len(t, aita, 4)
	for _, s := range aita {
		require.Equal(t, scenarios.CategoryEthicalJudgment, s.Category)
	}

	_, err = selectScenarios(catalog, "politics")
	require.Error(t, err)
}

func TestScenarioRows(t *testing.T) {
	list, err := selectScenarios(scenarios.Default(), "sexism")
	require.NoError(t, err)

	rows := scenarioRows(list, 20)
	require.Len(t, rows, len(list))
	require.Equal(t, list[0].ID, cell(t, rows[0], "id"))
	require.Equal(t, "sexism", cell(t, rows[0], "category"))
	require.Equal(t, "gender bias", cell(t, rows[0], "label"))
	require.Equal(t, list[0].Title, cell(t, rows[0], "title"))
	require.Equal(t, scenarios.Preview(list[0], 20), cell(t, rows[0], "preview"))

	full := scenarioRows(list[:1], 0)
	require.Equal(t, list[0].Body, cell(t, full[0], "preview"))
}

func TestConversationRows(t *testing.T) {
	conv, _ := sampleTranscript()
	open := studystore.Conversation{
		ID:            "c2",
		ParticipantID: conv.ParticipantID,
		ScenarioID:    "sexism-1",
		Category:      "sexism",
		StartTime:     conv.StartTime.Add(time.Hour),
	}

	rows := conversationRows([]studystore.Conversation{conv, open})
	require.Len(t, rows, 2)

	require.Equal(t, "c1", cell(t, rows[0], "conversation_id"))
	require.Equal(t, "aita-1", cell(t, rows[0], "scenario_id"))
	require.Equal(t, int64(90_000), cell(t, rows[0], "duration_ms"))
	require.Equal(t, 1, cell(t, rows[0], "interaction_count"))
	require.Equal(t, "ended early", cell(t, rows[0], "status"))
	require.Equal(t, conv.EndTime.Format(time.RFC3339), cell(t, rows[0], "end_time"))

	require.Equal(t, "open", cell(t, rows[1], "status"))
	require.Equal(t, "", cell(t, rows[1], "end_time"))
	require.Equal(t, int64(0), cell(t, rows[1], "duration_ms"))
}

func TestOpenPersistentStoreNeedsAFile(t *testing.T) {
	_, err := openPersistentStore("")
	require.Error(t, err)
	_, err = openPersistentStore(":memory:")
	require.Error(t, err)

	store, err := openPersistentStore(t.TempDir() + "/study.db")
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
