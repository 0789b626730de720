package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import tracked machines from CSV",
	Long:  "Loads machines from a CSV with a header row. Recognised columns: id, name, company, category, url (or product_url), variant, currency, price (or last_known_price).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("import"); err != nil {
			return err
		}

		f, err := os.Open(importCSVPath)
		if err != nil {
			return eris.Wrapf(err, "open csv %s", importCSVPath)
		}
		defer f.Close() //nolint:errcheck

		machines, err := parseMachinesCSV(f)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportMachines(ctx, machines)
		if err != nil {
			return eris.Wrap(err, "import machines")
		}

		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.Int("rows", len(machines)),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

// csvColumns maps accepted header spellings to a canonical column.
var csvColumns = map[string]string{
	"id":                "id",
	"machine_id":        "id",
	"name":              "name",
	"machine":           "name",
	"company":           "company",
	"brand":             "company",
	"category":          "category",
	"url":               "url",
	"product_url":       "url",
	"variant":           "variant",
	"variant_attribute": "variant",
	"currency":          "currency",
	"price":             "price",
	"last_known_price":  "price",
}

// parseMachinesCSV reads machine rows. Rows without a URL are skipped and
// duplicate URL+variant pairs keep the first occurrence.
func parseMachinesCSV(r io.Reader) ([]model.MachineRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "import: read csv")
	}
	if len(records) < 2 {
		return nil, nil // header only or empty
	}

	index := make(map[string]int)
	for i, h := range records[0] {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if col, ok := csvColumns[key]; ok {
			if _, dup := index[col]; !dup {
				index[col] = i
			}
		}
	}
	if _, ok := index["url"]; !ok {
		return nil, eris.New("import: csv needs a url or product_url column")
	}

	get := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	seen := make(map[string]struct{})
	var out []model.MachineRecord
	for n, row := range records[1:] {
		m := model.MachineRecord{
			ID:               get(row, "id"),
			Name:             get(row, "name"),
			Company:          get(row, "company"),
			Category:         get(row, "category"),
			ProductURL:       get(row, "url"),
			VariantAttribute: get(row, "variant"),
			Currency:         strings.ToUpper(get(row, "currency")),
		}
		if m.ProductURL == "" {
			zap.L().Warn("import: skipping row without url", zap.Int("row", n+2))
			continue
		}
		key := m.ProductURL + "#" + m.VariantAttribute
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if raw := get(row, "price"); raw != "" {
			p, err := decimal.NewFromString(strings.NewReplacer(",", "", "$", "").Replace(raw))
			if err != nil {
				return nil, eris.Wrap(err, fmt.Sprintf("import: row %d: invalid price %q", n+2, raw))
			}
			if p.IsPositive() {
				m.LastKnownPrice = &p
			}
		}
		if m.Name == "" {
			m.Name = m.ProductURL
		}
		out = append(out, m)
	}
	return out, nil
}
