package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/paygate/internal/api"
	"github.com/kalambet/paygate/internal/assignment"
	"github.com/kalambet/paygate/internal/config"
	"github.com/kalambet/paygate/internal/placement"
	"github.com/kalambet/paygate/internal/products"
)

// --- register ---

var registerCmd = &cobra.Command{
	Use:   "register <placement>",
	Short: "Register a placement and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramPairs, _ := cmd.Flags().GetStringArray("param")
		subPairs, _ := cmd.Flags().GetStringArray("sub")
		locale, _ := cmd.Flags().GetString("locale")
		asJSON, _ := cmd.Flags().GetBool("json")

		params, err := parseParams(paramPairs)
		if err != nil {
			return err
		}
		subs, err := parseSubstitutions(subPairs)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/placements/"+url.PathEscape(args[0]), api.RegisterRequest{
			Params:        params,
			Substitutions: subs,
			Locale:        locale,
		})
		if err != nil {
			return err
		}

		var res json.RawMessage
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		return printResult(res)
	},
}

// resultView is the subset of a placement result the CLI prints.
type resultView struct {
	Outcome struct {
		Kind       string `json:"kind"`
		RuleID     string `json:"ruleId"`
		Experiment *struct {
			ID      string `json:"id"`
			Variant struct {
				ID        string `json:"id"`
				PaywallID string `json:"paywallId"`
			} `json:"variant"`
		} `json:"experiment"`
	} `json:"outcome"`
	Paywall *struct {
		Products             map[string]products.Product `json:"products"`
		IsFreeTrialAvailable bool                        `json:"isFreeTrialAvailable"`
	} `json:"paywall"`
	Error string `json:"error"`
}

func printResult(raw json.RawMessage) error {
	var res resultView
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	kind := res.Outcome.Kind
	fmt.Fprintf(stdout, "%s\n", colorize(outcomeColor(kind), kind))
	if res.Outcome.RuleID != "" {
		fmt.Fprintf(stdout, "  rule:       %s\n", res.Outcome.RuleID)
	}
	if exp := res.Outcome.Experiment; exp != nil {
		fmt.Fprintf(stdout, "  experiment: %s\n", exp.ID)
		fmt.Fprintf(stdout, "  variant:    %s\n", exp.Variant.ID)
		if exp.Variant.PaywallID != "" {
			fmt.Fprintf(stdout, "  paywall:    %s\n", exp.Variant.PaywallID)
		}
	}
	if p := res.Paywall; p != nil {
		slots := make([]string, 0, len(p.Products))
		for slot := range p.Products {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		for _, slot := range slots {
			prod := p.Products[slot]
			fmt.Fprintf(stdout, "  %-11s %s (%.2f %s)\n", slot+":", prod.ID, prod.Price, prod.CurrencyCode)
		}
		if p.IsFreeTrialAvailable {
			fmt.Fprintf(stdout, "  %s\n", colorize(colorGreen, "free trial available"))
		}
	}
	if res.Error != "" {
		fmt.Fprintf(stdout, "  error:      %s\n", colorize(colorRed, res.Error))
	}
	return nil
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func parseSubstitutions(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		slot, productID, ok := strings.Cut(pair, "=")
		if !ok || slot == "" || productID == "" {
			return nil, fmt.Errorf("invalid substitution %q, expected slot=product", pair)
		}
		out[slot] = productID
	}
	return out, nil
}

// --- assignments ---

var assignmentsCmd = &cobra.Command{
	Use:   "assignments",
	Short: "List experiment assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/assignments")
		if err != nil {
			return err
		}

		var body struct {
			Assignments []assignment.Entry `json:"assignments"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if asJSON {
			return printJSON(body.Assignments)
		}
		if len(body.Assignments) == 0 {
			fmt.Fprintln(stdout, "No assignments.")
			return nil
		}
		for _, e := range body.Assignments {
			state := colorize(colorYellow, "pending")
			if e.Confirmed {
				state = colorize(colorGreen, "confirmed")
			}
			fmt.Fprintf(stdout, "  %s  %s  %s\n", colorize(colorBold, e.ExperimentID), e.VariantID, state)
		}
		return nil
	},
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset identity, assignments and attributes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/identity/reset", nil)
		if err != nil {
			return err
		}

		var res api.ResetResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Identity reset, new identifier %s", res.Identifier)
		if !res.Refreshed {
			printWarning("Config refresh failed, serving cached config")
		}
		return nil
	},
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the remote config now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/config/refresh", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Config refreshed")
		return nil
	},
}

// --- background ---

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Signal that the host app moved to the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/lifecycle/background", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Telemetry snapshot persisted")
		return nil
	},
}

// --- attributes ---

var attributesCmd = &cobra.Command{
	Use:   "attributes",
	Short: "Manage user attributes",
}

var attributesSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Set user attributes (JSON values keep their type)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := parseParams(args)
		if err != nil {
			return err
		}
		return patchAttributes(cmd, updates)
	},
}

var attributesUnsetCmd = &cobra.Command{
	Use:   "unset <key>...",
	Short: "Remove user attributes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates := make(map[string]any, len(args))
		for _, k := range args {
			updates[k] = nil
		}
		return patchAttributes(cmd, updates)
	},
}

func patchAttributes(cmd *cobra.Command, updates map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.patch(cmd.Context(), "/identity/attributes", updates)
	if err != nil {
		return err
	}

	var body struct {
		Attributes map[string]any `json:"attributes"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	return printJSON(body.Attributes)
}

// --- transaction ---

var transactionCmd = &cobra.Command{
	Use:   "transaction <name>",
	Short: "Record a purchase transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramPairs, _ := cmd.Flags().GetStringArray("param")
		params, err := parseParams(paramPairs)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/transactions", api.TransactionRequest{
			Name:   args[0],
			Params: params,
		})
		if err != nil {
			return err
		}

		var rec struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Recorded transaction %s (%s)", args[0], rec.ID)
		return nil
	},
}

// --- products ---

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Manage store products",
}

var productsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Register products from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := loadProductsFile(args[0])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/products", list)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Registered %d products", len(list))
		return nil
	},
}

// productsFile is the YAML layout accepted by products import.
type productsFile struct {
	Products []products.Product `yaml:"products"`
}

func loadProductsFile(path string) ([]products.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f productsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(f.Products) == 0 {
		return nil, fmt.Errorf("%s: no products defined", path)
	}

	var errs []error
	for _, p := range f.Products {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Products, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:       "unset <key>",
	Short:     "Remove a configuration value so its default applies",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetAPIKeyCmd = &cobra.Command{
	Use:   "set-api-key <key>",
	Short: "Store the remote service API key in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetAPIKey(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("API key stored")
		return nil
	},
}

func init() {
	registerCmd.Flags().StringArrayP("param", "p", nil, "placement parameter as key=value (repeatable)")
	registerCmd.Flags().StringArray("sub", nil, "product substitution as slot=product (repeatable)")
	registerCmd.Flags().String("locale", "", "locale used to format prices")
	registerCmd.Flags().Bool("json", false, "print the raw result")

	assignmentsCmd.Flags().Bool("json", false, "print assignments as JSON")

	transactionCmd.Flags().StringArrayP("param", "p", nil, "transaction parameter as key=value (repeatable)")

	attributesCmd.AddCommand(attributesSetCmd)
	attributesCmd.AddCommand(attributesUnsetCmd)

	productsCmd.AddCommand(productsImportCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetAPIKeyCmd)
}
