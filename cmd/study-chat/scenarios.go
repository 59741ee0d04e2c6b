package main

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

type ScenariosCommand struct {
	*cmds.CommandDescription
}

type ScenariosSettings struct {
	Category   string `glazed:"category"`
	PreviewLen int    `glazed:"preview-length"`
}

func NewScenariosCommand() (*ScenariosCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"scenarios",
		cmds.WithShort("List the scenario catalog"),
		cmds.WithLong("List the scenarios participants can be assigned, from the built-in catalog or --scenarios-file."),
		cmds.WithFlags(
			fields.New(
				"category",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only list one category (aita, sexism)"),
			),
			fields.New(
				"preview-length",
				fields.TypeInteger,
				fields.WithDefault(150),
				fields.WithHelp("Truncate the scenario body to this many characters (0 = full body)"),
			),
		),
		cmds.WithSections(glazedLayer),
	)
	return &ScenariosCommand{CommandDescription: desc}, nil
}

func (c *ScenariosCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ScenariosSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	catalog, err := loadCatalog(globals.GetString("scenarios-file"))
	if err != nil {
		return err
	}
	list, err := selectScenarios(catalog, s.Category)
	if err != nil {
		return err
	}
	for _, row := range scenarioRows(list, s.PreviewLen) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ScenariosCommand{}

func selectScenarios(catalog *scenarios.Catalog, category string) ([]scenarios.Scenario, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return catalog.List(), nil
	}
	c := scenarios.Category(category)
	if !c.Valid() {
		return nil, errors.Errorf("unknown category %q", category)
	}
	return catalog.ByCategory(c), nil
}

func scenarioRows(list []scenarios.Scenario, previewLen int) []types.Row {
	rows := make([]types.Row, 0, len(list))
	for _, s := range list {
		rows = append(rows, types.NewRow(
			types.MRP("id", s.ID),
			types.MRP("category", string(s.Category)),
			types.MRP("label", s.Category.Label()),
			types.MRP("title", s.Title),
			types.MRP("preview", scenarios.Preview(s, previewLen)),
		))
	}
	return rows
}
