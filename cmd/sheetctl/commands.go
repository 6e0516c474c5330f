package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sheetbot/internal/sheet"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sheetctl",
		Short:         "Inspect and clean spreadsheets the way sheetbot does",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInspectCmd(), newCleanCmd())
	return root
}

// inspection is the yaml document printed by inspect.
type inspection struct {
	Name      string     `yaml:"name"`
	Format    string     `yaml:"format"`
	HeaderRow string     `yaml:"header_row"`
	Rows      int        `yaml:"rows"`
	Columns   []string   `yaml:"columns"`
	Preview   [][]string `yaml:"preview,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var (
		headerRow int
		preview   int
	)
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print row count, columns and a preview as yaml",
		Long: `Parses the file like the bot does on upload. Without --header-row every
row counts as data, which is the number the bot reports back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header := sheet.NoHeader
			if cmd.Flags().Changed("header-row") {
				header = sheet.AtRow(headerRow)
			}
			path := args[0]
			format := sheet.FormatFromName(path)

			tbl, err := loadTable(path, format, header)
			if err != nil {
				return err
			}

			out := inspection{
				Name:      filepath.Base(path),
				Format:    format.String(),
				HeaderRow: header.String(),
				Rows:      tbl.RowCount(),
				Columns:   tbl.Columns,
			}
			for i := 0; i < preview && i < len(tbl.Rows); i++ {
				cells := make([]string, len(tbl.Rows[i]))
				for j, v := range tbl.Rows[i] {
					cells[j] = sheet.FormatValue(v)
				}
				out.Preview = append(out.Preview, cells)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write yaml: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().IntVar(&headerRow, "header-row", 0, "0-based row holding the column names")
	cmd.Flags().IntVar(&preview, "preview", 5, "number of data rows to show")
	return cmd
}

func newCleanCmd() *cobra.Command {
	var (
		headerRow int
		output    string
	)
	cmd := &cobra.Command{
		Use:   "clean <file>",
		Short: "Re-read the file with a header row and write the cleaned xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if headerRow < 0 {
				return errors.New("--header-row must be a non-negative integer")
			}
			path := args[0]
			tbl, err := loadTable(path, sheet.FormatFromName(path), sheet.AtRow(headerRow))
			if err != nil {
				return err
			}

			data, err := sheet.Encode(tbl)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(filepath.Dir(path), sheet.CleanedName(filepath.Base(path)))
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d rows, %d columns)\n", output, tbl.RowCount(), tbl.ColumnCount())
			return nil
		},
	}
	cmd.Flags().IntVar(&headerRow, "header-row", 0, "0-based row holding the column names")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default cleaned_<name>.xlsx next to the input)")
	_ = cmd.MarkFlagRequired("header-row")
	return cmd
}

func loadTable(path string, format sheet.Format, header sheet.HeaderRow) (*sheet.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tbl, err := sheet.Parse(data, format, header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return tbl, nil
}
