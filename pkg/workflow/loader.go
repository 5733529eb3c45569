package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/pkg/models"
)

// LoadFile reads a workflow definition from a JSON or YAML file. YAML
// documents are normalized through JSON so both formats share the same
// field names.
func LoadFile(path string) (*models.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	var wf models.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &wf, nil
}
