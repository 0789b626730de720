package main

import (
	"io"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/siterules"
)

var (
	rulesMachine string
	rulesURL     string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect site extraction rules",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <domain>",
	Short: "Print the effective rule for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRulesOnly()
		if err != nil {
			return err
		}
		return showRule(os.Stdout, rules, args[0], rulesMachine, rulesURL)
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains with site rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRulesOnly()
		if err != nil {
			return err
		}
		domains := rules.Domains()
		sort.Strings(domains)
		return writeJSON(os.Stdout, domains)
	},
}

func init() {
	rulesShowCmd.Flags().StringVar(&rulesMachine, "machine", "", "machine name for variant matching")
	rulesShowCmd.Flags().StringVar(&rulesURL, "url", "", "product URL for variant matching")
	rulesCmd.AddCommand(rulesShowCmd, rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}

// loadRulesOnly loads the rule table without a learned-selector store.
func loadRulesOnly() (*siterules.Engine, error) {
	if cfg.Rules.Path != "" {
		return siterules.Load(cfg.Rules.Path)
	}
	return siterules.New()
}

func showRule(w io.Writer, rules *siterules.Engine, domain, machine, url string) error {
	rule := rules.RulesFor(siterules.NormalizeDomain(domain), machine, url)
	if rule == nil {
		return eris.Errorf("no rule for domain %s", domain)
	}
	return writeJSON(w, rule)
}
