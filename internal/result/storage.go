package result

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SnapshotFile is the config snapshot written into every sweep directory.
const SnapshotFile = "sweep.yaml"

// CreateSweepDir creates <baseDir>/<name> with a logs/ subdirectory and
// points <baseDir>/latest at it.
func CreateSweepDir(baseDir, name string) (string, error) {
	dir, err := filepath.Abs(filepath.Join(baseDir, name))
	if err != nil {
		return "", eris.Wrap(err, "resolving sweep dir")
	}
	if err := os.MkdirAll(LogDir(dir), 0o755); err != nil {
		return "", eris.Wrap(err, "creating sweep dir")
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(dir, latest); err != nil {
		return "", eris.Wrap(err, "creating latest symlink")
	}
	return dir, nil
}

// LogDir is where per-trial training logs of a sweep are written.
func LogDir(sweepDir string) string {
	return filepath.Join(sweepDir, "logs")
}

// WriteSnapshot writes v as YAML to <dir>/sweep.yaml.
func WriteSnapshot(dir string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "marshaling snapshot")
	}
	if err := os.WriteFile(filepath.Join(dir, SnapshotFile), data, 0o644); err != nil {
		return eris.Wrap(err, "writing snapshot")
	}
	return nil
}
