package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/pkg/utils"
)

func newTemplatesCmd(_ *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Browse algorithm templates",
		Long:  "List the built-in algorithm templates and the parameters each algorithm type accepts.",
	}

	var category, difficulty string
	list := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			catalog, err := algorithm.LoadCatalog()
			if err != nil {
				return err
			}
			templates := catalog.List(category, difficulty)
			if output.IsJSON() {
				return output.JSON(templates)
			}
			if len(templates) == 0 {
				output.Warning("No templates match.")
				return nil
			}
			table := NewTable(output, "Name", "Type", "Category", "Difficulty", "Position", "Min Capital", "Timeframe")
			for _, t := range templates {
				table.AddRow(
					t.Name,
					string(t.Type),
					t.Category,
					t.Difficulty,
					fmt.Sprintf("%.0f%%", t.DefaultPositionSize*100),
					utils.FormatCurrency(decimalOf(t.MinCapital)),
					t.RecommendedTimeframe,
				)
			}
			table.Render()
			return nil
		},
	}
	list.Flags().StringVar(&category, "category", "", "filter by category")
	list.Flags().StringVar(&difficulty, "difficulty", "", "filter by difficulty (beginner, intermediate, advanced)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a template with its parameter schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			catalog, err := algorithm.LoadCatalog()
			if err != nil {
				return err
			}
			t, err := catalog.Get(args[0])
			if err != nil {
				return err
			}
			schema := append(algorithm.Schema(t.Type), algorithm.RiskSchema()...)
			if output.IsJSON() {
				return output.JSON(map[string]any{"template": t, "schema": schema})
			}
			showTemplate(output, t, schema)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List algorithm types by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			catalog, err := algorithm.LoadCatalog()
			if err != nil {
				return err
			}
			categories := catalog.Categories()
			if output.IsJSON() {
				return output.JSON(categories)
			}
			names := make([]string, 0, len(categories))
			for c := range categories {
				names = append(names, c)
			}
			sort.Strings(names)
			for _, c := range names {
				types := make([]string, len(categories[c]))
				for i, t := range categories[c] {
					types[i] = string(t)
				}
				output.Printf("%s: %s\n", output.paint(bold, c), strings.Join(types, ", "))
			}
			return nil
		},
	})

	return cmd
}

func showTemplate(output *Output, t models.AlgorithmTemplate, schema []algorithm.ParamSpec) {
	output.Bold("%s", t.Name)
	output.Dim("%s", t.Description)
	output.Println()
	output.Printf("  Type:        %s\n", t.Type)
	output.Printf("  Category:    %s\n", t.Category)
	output.Printf("  Difficulty:  %s\n", t.Difficulty)
	output.Printf("  Position:    %.0f%% of bot cash\n", t.DefaultPositionSize*100)
	output.Printf("  Min Capital: %s\n", utils.FormatCurrency(decimalOf(t.MinCapital)))
	output.Printf("  Timeframe:   %s\n", t.RecommendedTimeframe)
	output.Println()

	table := NewTable(output, "Parameter", "Type", "Default", "Range", "Description")
	for _, p := range schema {
		def := p.Default
		if v, ok := t.DefaultParameters[p.Name]; ok {
			def = v
		}
		table.AddRow(p.Name, string(p.Kind), fmt.Sprint(def), paramRange(p), p.Description)
	}
	table.Render()
}

func paramRange(p algorithm.ParamSpec) string {
	if p.Min == nil && p.Max == nil {
		return "-"
	}
	lo, hi := "", ""
	if p.Min != nil {
		lo = fmt.Sprint(*p.Min)
	}
	if p.Max != nil {
		hi = fmt.Sprint(*p.Max)
	}
	return lo + ".." + hi
}
