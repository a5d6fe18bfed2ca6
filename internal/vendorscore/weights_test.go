package vendorscore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeights_Valid(t *testing.T) {
	w := DefaultWeights()
	require.NoError(t, w.Validate())
	assert.Equal(t, "v1", w.Version)
	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
}

func TestWeightTable_Validate(t *testing.T) {
	t.Run("missing version", func(t *testing.T) {
		w := DefaultWeights()
		w.Version = ""
		err := w.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version must be set")
	})

	t.Run("negative weight", func(t *testing.T) {
		w := DefaultWeights()
		w.Threading = -0.10
		w.Completeness += 0.20
		err := w.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "threading must be >= 0")
	})

	t.Run("sum off", func(t *testing.T) {
		w := DefaultWeights()
		w.LeadTime += 0.10
		err := w.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sum to 1.0")
	})
}

func TestLoadWeights_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: v2
completeness: 0.30
lead_time: 0.10
invoice_accuracy: 0.30
response_latency: 0.10
threading: 0.05
followup_response: 0.15
`), 0o644))

	w, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", w.Version)
	assert.Equal(t, 0.30, w.Completeness)
	assert.InDelta(t, 1.0, w.Sum(), 1e-9)
}

func TestLoadWeights_MissingPathFallsBack(t *testing.T) {
	w, err := LoadWeights(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), w)

	w, err = LoadWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), w)
}

func TestLoadWeights_InvalidTableRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: v2
completeness: 0.90
lead_time: 0.90
`), 0o644))

	_, err := LoadWeights(path)
	require.Error(t, err)
}
