package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/pipeline"
)

var (
	extractID       string
	extractURL      string
	extractName     string
	extractVariant  string
	extractPrevious string
	extractCurrency string
	extractDryRun   bool
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the current price for one machine",
	Long:  "Runs the tiered extraction for a stored machine (--id) or an ad-hoc product URL (--url) and prints the result as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (extractID == "") == (extractURL == "") {
			return eris.New("exactly one of --id or --url is required")
		}
		var machine model.MachineRecord
		if extractURL != "" {
			m, err := adhocMachine(extractURL, extractName, extractVariant, extractPrevious, extractCurrency)
			if err != nil {
				return err
			}
			machine = m
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := pipeline.RunOptions{DryRun: extractDryRun}
		var res *model.ExtractionResult
		if extractID != "" {
			res, err = env.Pipeline.Run(ctx, extractID, opts)
		} else {
			if !extractDryRun {
				if err := env.Store.UpsertMachine(ctx, machine); err != nil {
					return eris.Wrap(err, "register machine")
				}
			}
			res, err = env.Pipeline.Extract(ctx, machine, opts)
		}
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		zap.L().Info("extraction finished",
			zap.String("machine_id", res.MachineID),
			zap.String("status", string(res.Status)),
			zap.String("tier", string(res.Tier)),
			zap.Float64("cost_usd", res.TotalCost()),
		)
		return writeJSON(os.Stdout, res)
	},
}

func init() {
	f := extractCmd.Flags()
	f.StringVar(&extractID, "id", "", "stored machine ID")
	f.StringVar(&extractURL, "url", "", "product URL for an ad-hoc extraction")
	f.StringVar(&extractName, "name", "", "machine name (with --url)")
	f.StringVar(&extractVariant, "variant", "", "variant attribute, e.g. 55W (with --url)")
	f.StringVar(&extractPrevious, "previous", "", "previous known price (with --url)")
	f.StringVar(&extractCurrency, "currency", "", "ISO currency of the machine (with --url)")
	f.BoolVar(&extractDryRun, "dry-run", false, "extract and validate without writing anything")
	rootCmd.AddCommand(extractCmd)
}

// adhocMachine builds a machine record for --url. The ID is derived from
// the URL and variant so repeated runs append to the same history.
func adhocMachine(rawURL, name, variant, previous, currency string) (model.MachineRecord, error) {
	rawURL = strings.TrimSpace(rawURL)
	m := model.MachineRecord{
		ID:               uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL+"#"+variant)).String(),
		Name:             strings.TrimSpace(name),
		ProductURL:       rawURL,
		VariantAttribute: strings.TrimSpace(variant),
		Currency:         strings.ToUpper(strings.TrimSpace(currency)),
	}
	if m.Name == "" {
		m.Name = rawURL
	}
	if previous != "" {
		p, err := decimal.NewFromString(strings.TrimSpace(previous))
		if err != nil {
			return m, eris.Wrapf(err, "invalid --previous %q", previous)
		}
		m.LastKnownPrice = &p
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
