package calibration

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/refguard/internal/model"
)

// ReadProfile decodes a YAML or JSON profile file.
func ReadProfile(path string) (*model.CalibrationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "calibration: read %s", path)
	}
	var p model.CalibrationProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "calibration: decode %s", path)
	}
	if err := Validate(&p); err != nil {
		return nil, eris.Wrapf(err, "calibration: %s", path)
	}
	return &p, nil
}

// LoadDir saves every profile file (*.yaml, *.yml, *.json) in dir and returns
// how many were imported.
func (s *Service) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, eris.Wrapf(err, "calibration: read dir %s", dir)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		p, err := ReadProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		if err := s.Save(ctx, p); err != nil {
			return n, err
		}
		zap.L().Info("calibration: imported profile",
			zap.String("model_version", p.ModelVersion),
			zap.String("method", p.Method),
			zap.String("file", e.Name()),
		)
		n++
	}
	return n, nil
}
