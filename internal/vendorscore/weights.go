// Package vendorscore recomputes per-vendor confidence profiles from the
// domain event log. Scores are always derived from a trailing window, never
// incremented in place, so a replay of the log reproduces them exactly.
package vendorscore

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// WeightTable is the versioned weighting of the six component scores.
// Changing it is a deliberate configuration change, logged at load time,
// never a per-call parameter.
type WeightTable struct {
	Version          string  `yaml:"version"`
	Completeness     float64 `yaml:"completeness"`
	LeadTime         float64 `yaml:"lead_time"`
	InvoiceAccuracy  float64 `yaml:"invoice_accuracy"`
	ResponseLatency  float64 `yaml:"response_latency"`
	Threading        float64 `yaml:"threading"`
	FollowupResponse float64 `yaml:"followup_response"`
}

// DefaultWeights returns the v1 weight table.
func DefaultWeights() WeightTable {
	return WeightTable{
		Version:          "v1",
		Completeness:     0.25,
		LeadTime:         0.15,
		InvoiceAccuracy:  0.25,
		ResponseLatency:  0.10,
		Threading:        0.10,
		FollowupResponse: 0.15,
	}
}

// Sum returns the sum of all component weights.
func (w WeightTable) Sum() float64 {
	return w.Completeness + w.LeadTime + w.InvoiceAccuracy +
		w.ResponseLatency + w.Threading + w.FollowupResponse
}

// Validate checks that the table is internally consistent: a version, every
// weight non-negative, and a sum of 1.
func (w WeightTable) Validate() error {
	var errs []string

	if w.Version == "" {
		errs = append(errs, "version must be set")
	}

	weights := map[string]float64{
		"completeness":      w.Completeness,
		"lead_time":         w.LeadTime,
		"invoice_accuracy":  w.InvoiceAccuracy,
		"response_latency":  w.ResponseLatency,
		"threading":         w.Threading,
		"followup_response": w.FollowupResponse,
	}
	for name, v := range weights {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}

	if sum := w.Sum(); math.Abs(sum-1.0) > 1e-6 {
		errs = append(errs, fmt.Sprintf("weights must sum to 1.0, got %.6f", sum))
	}

	if len(errs) > 0 {
		return eris.Errorf("vendorscore: weight table validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadWeights reads and validates a weight table from a YAML file. A missing
// path falls back to the built-in v1 table.
func LoadWeights(path string) (WeightTable, error) {
	if path == "" {
		return DefaultWeights(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			zap.L().Info("vendorscore: weights file absent, using built-in table",
				zap.String("path", path),
				zap.String("version", DefaultWeights().Version),
			)
			return DefaultWeights(), nil
		}
		return WeightTable{}, eris.Wrapf(err, "vendorscore: read weights %s", path)
	}

	var w WeightTable
	if err := yaml.Unmarshal(data, &w); err != nil {
		return WeightTable{}, eris.Wrapf(err, "vendorscore: parse weights %s", path)
	}
	if err := w.Validate(); err != nil {
		return WeightTable{}, err
	}

	zap.L().Info("vendorscore: weight table loaded",
		zap.String("path", path),
		zap.String("version", w.Version),
	)
	return w, nil
}
