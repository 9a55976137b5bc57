package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/pkg/discovery"
)

const defaultDoserHost = "http://nutrient-doser.lan"

var doseCmd = &cobra.Command{
	Use:   "dose",
	Short: "Mix a nutrient solution from a feed chart on a running doser",
	Long: `Look up a growth stage in a feed chart, scale it to the target amount of
solution and ask a doser to dispense every nutrient.

Feed charts are YAML:

  floragro:
    seedling:
      - name: FloraGro
        ml_per_gal: 0.625
      - name: FloraMicro
        ml_per_gal: 0.625
        motor_idx: 2

Without motor_idx a nutrient goes to the pump at its position in the list.`,
	Example: `  pi-doser dose --charts feed.yaml --chart floragro --stage seedling --amount "5 gal"
  pi-doser dose --discover --chart floragro --stage bloom --amount 20L`,
	Args: cobra.NoArgs,
	RunE: runDose,
}

var doseOpts struct {
	host     string
	discover bool
	name     string
	charts   string
	chart    string
	stage    string
	amount   string
	token    string
	timeout  time.Duration
	dryRun   bool
}

func init() {
	f := doseCmd.Flags()
	f.StringVar(&doseOpts.host, "host", defaultDoserHost, "base URL of the doser")
	f.BoolVar(&doseOpts.discover, "discover", false, "find the doser over mDNS instead of using --host")
	f.StringVar(&doseOpts.name, "name", "", "with --discover, the instance name to pick")
	f.StringVar(&doseOpts.charts, "charts", "feed-charts.yaml", "feed chart file")
	f.StringVar(&doseOpts.chart, "chart", "", "name of the chart to use")
	f.StringVar(&doseOpts.stage, "stage", "", "growth stage to reference in the chart")
	f.StringVar(&doseOpts.amount, "amount", "", "target amount of solution to mix (ml, L, gal, fl oz)")
	f.StringVar(&doseOpts.token, "token", "", "bearer token, when the doser requires one")
	f.DurationVar(&doseOpts.timeout, "timeout", 10*time.Minute, "how long to wait for the pumps to finish")
	f.BoolVar(&doseOpts.dryRun, "dry-run", false, "print the request instead of sending it")

	doseCmd.MarkFlagRequired("chart")
	doseCmd.MarkFlagRequired("stage")
	doseCmd.MarkFlagRequired("amount")
}

func runDose(cmd *cobra.Command, args []string) error {
	charts, err := loadCharts(doseOpts.charts)
	if err != nil {
		return err
	}
	req, err := charts.Request(doseOpts.chart, doseOpts.stage, doseOpts.amount)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if doseOpts.dryRun {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), doseOpts.timeout)
	defer cancel()

	host := doseOpts.host
	if doseOpts.discover {
		host, err = discoverHost(ctx, doseOpts.name)
		if err != nil {
			return err
		}
	}
	if err := validateHost(host); err != nil {
		return err
	}

	if err := postDose(ctx, host, doseOpts.token, req); err != nil {
		return err
	}

	for _, n := range req.Nutrients {
		ml := n.MlPerGal * req.TargetAmount * req.TargetUnit.ScaleToMl() / doser.MlPerGallon
		fmt.Fprintf(out, "%-20s motor %d  %8.2f ml\n", n.Name, n.MotorIdx, ml)
	}
	return nil
}

// discoverHost picks the named doser, or the only one answering
func discoverHost(ctx context.Context, name string) (string, error) {
	found, err := discovery.Lookup(ctx, discovery.DefaultServiceType, discovery.DefaultLookupTimeout)
	if err != nil && len(found) == 0 {
		return "", err
	}

	var matches []discovery.Instance
	for _, inst := range found {
		if name == "" || strings.HasPrefix(inst.Name, name+".") || inst.Name == name {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no doser found on the network")
	case 1:
		return matches[0].URL(), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return "", fmt.Errorf("found %d dosers, pick one with --name: %s", len(matches), strings.Join(names, ", "))
	}
}

func validateHost(host string) error {
	u, err := url.Parse(host)
	if err != nil {
		return fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (%s), only HTTP URLs are allowed", u.Scheme)
	}
	return nil
}

// postDose sends req and waits for the doser to finish dispensing
func postDose(ctx context.Context, host, token string, req *doser.DoseSolutionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode dose request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(host, "/")+"/dose", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dose request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dose request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("doser returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("doser returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
