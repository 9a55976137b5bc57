package main

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dsyorkd/pi-doser/internal/doser"
)

// Charts are feed charts by name. Each chart maps a growth stage to the
// nutrients mixed at that stage.
type Charts map[string]map[string][]ChartNutrient

// ChartNutrient is one nutrient of a stage. Without motor_idx a nutrient is
// pumped by the motor at its position in the list.
type ChartNutrient struct {
	Name     string  `yaml:"name"`
	MlPerGal float64 `yaml:"ml_per_gal"`
	MotorIdx *int    `yaml:"motor_idx,omitempty"`
}

var amountPattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(ml|l|gal|fl ?oz)\s*$`)

// loadCharts reads a YAML feed chart file
func loadCharts(path string) (Charts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed charts %s: %w", path, err)
	}

	var charts Charts
	if err := yaml.Unmarshal(data, &charts); err != nil {
		return nil, fmt.Errorf("failed to parse feed charts %s: %w", path, err)
	}
	if len(charts) == 0 {
		return nil, fmt.Errorf("no feed charts in %s", path)
	}
	return charts, nil
}

// Request builds the dose request for a chart stage and a target amount such as "5 gal"
func (c Charts) Request(chart, stage, amount string) (*doser.DoseSolutionRequest, error) {
	stages, ok := c[chart]
	if !ok {
		return nil, fmt.Errorf("unknown chart %q, available charts are %s", chart, keys(c))
	}
	nutrients, ok := stages[stage]
	if !ok {
		return nil, fmt.Errorf("invalid growth stage %q, available stages are %s", stage, keys(stages))
	}

	value, unit, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}

	req := &doser.DoseSolutionRequest{
		Nutrients:    make([]doser.NutrientInfo, 0, len(nutrients)),
		TargetAmount: value,
		TargetUnit:   unit,
	}
	for i, n := range nutrients {
		idx := i
		if n.MotorIdx != nil {
			idx = *n.MotorIdx
		}
		req.Nutrients = append(req.Nutrients, doser.NutrientInfo{
			Name:     n.Name,
			MotorIdx: idx,
			MlPerGal: n.MlPerGal,
		})
	}
	return req, nil
}

// parseAmount splits "2.5 L" into its value and unit
func parseAmount(s string) (float64, doser.VolUnit, error) {
	m := amountPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("invalid amount %q, expected a number followed by ml, L, gal or fl oz", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid amount %q: %w", s, err)
	}
	unit, err := doser.ParseVolUnit(strings.ToLower(m[2]))
	if err != nil {
		return 0, "", err
	}
	return value, unit, nil
}

func keys[V any](m map[string]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
