package pipeline

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fitlab/capture-cli/internal/model"
)

// weightsManifest is the on-disk shape of a stage-weight override file.
type weightsManifest struct {
	Weights map[string]float64 `yaml:"weights"`
}

// LoadWeights reads a YAML stage-weight manifest and merges it over the
// built-in defaults. Unknown stage names are rejected up front rather than
// silently ignored at aggregation time.
func LoadWeights(path string, defaults map[string]float64) (map[string]float64, error) {
	merged := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	if path == "" {
		return merged, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read weights manifest %s", path)
	}

	var manifest weightsManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse weights manifest %s", path)
	}

	known := make(map[string]bool, len(model.StageOrder()))
	for _, s := range model.StageOrder() {
		known[string(s)] = true
	}
	for name, w := range manifest.Weights {
		if !known[name] {
			return nil, eris.Errorf("pipeline: weights manifest names unknown stage %q", name)
		}
		if w < 0 {
			return nil, eris.Errorf("pipeline: negative weight for stage %q", name)
		}
		merged[name] = w
	}
	return merged, nil
}
