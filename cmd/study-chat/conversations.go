package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
)

type ConversationsCommand struct {
	*cmds.CommandDescription
}

type ConversationsSettings struct {
	Participant string `glazed:"participant"`
}

func NewConversationsCommand() (*ConversationsCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"conversations",
		cmds.WithShort("List the stored conversations of one participant"),
		cmds.WithLong("List a participant's conversations from the sqlite store, oldest first, with their end state and interaction count."),
		cmds.WithFlags(
			fields.New(
				"participant",
				fields.TypeString,
				fields.WithRequired(true),
				fields.WithHelp("Participant id as issued by the study platform"),
			),
		),
		cmds.WithSections(glazedLayer),
	)
	return &ConversationsCommand{CommandDescription: desc}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	participant := strings.TrimSpace(s.Participant)
	if participant == "" {
		return errors.New("--participant is required")
	}
	store, err := openPersistentStore(globals.GetString("db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	convs, err := store.ListConversations(ctx, participant)
	if err != nil {
		return err
	}
	for _, row := range conversationRows(convs) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ConversationsCommand{}

func conversationRows(convs []studystore.Conversation) []types.Row {
	rows := make([]types.Row, 0, len(convs))
	for _, c := range convs {
		var (
			endTime  string
			duration int64
		)
		if c.EndTime != nil {
			endTime = c.EndTime.Format(time.RFC3339)
		}
		if c.DurationMs != nil {
			duration = *c.DurationMs
		}
		rows = append(rows, types.NewRow(
			types.MRP("conversation_id", c.ID),
			types.MRP("scenario_id", c.ScenarioID),
			types.MRP("category", c.Category),
			types.MRP("start_time", c.StartTime.Format(time.RFC3339)),
			types.MRP("end_time", endTime),
			types.MRP("duration_ms", duration),
			types.MRP("interaction_count", c.InteractionCount),
			types.MRP("status", conversationStatus(c)),
		))
	}
	return rows
}
