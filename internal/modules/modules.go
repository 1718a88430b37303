// Package modules discovers the deployable modules of a package and
// fingerprints their sources.
package modules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/orgdeploy-io/orgdeploy/internal/engine"
	"github.com/orgdeploy-io/orgdeploy/internal/logging"
	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// HashConfigFilename is the optional per-module file that overrides the
// include/exclude patterns used to compute the module hash. The file
// itself never feeds the hash.
const HashConfigFilename = "hash-config.json"

// Module is one deployable unit discovered under the package directory.
type Module struct {
	Name   string
	Engine string
	Dir    string
	Hash   string
}

// Discover walks <root>/<engine>/<module> for every registered engine
// and computes each module's content hash. Module names must be unique
// across engines.
func Discover(root string, engines map[string]engine.Engine) (map[string]*Module, error) {
	mods := map[string]*Module{}
	engineNames := make([]string, 0, len(engines))
	for name := range engines {
		engineNames = append(engineNames, name)
	}
	sort.Strings(engineNames)

	for _, engineName := range engineNames {
		entries, err := os.ReadDir(filepath.Join(root, engineName))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, ok := mods[name]; ok {
				return nil, model.E(model.KindValidation, "the module %s already exists", name)
			}
			dir := filepath.Join(root, engineName, name)
			include, exclude := engines[engineName].DefaultHashPatterns()
			include, exclude = overlayHashConfig(name, dir, include, exclude)
			hash, err := HashDir(dir, include, exclude)
			if err != nil {
				return nil, err
			}
			mods[name] = &Module{Name: name, Engine: engineName, Dir: dir, Hash: hash}
		}
	}
	logging.Info("discovered modules in this package", "count", len(mods))
	return mods, nil
}

// overlayHashConfig applies the module's hash-config.json, if present
// and well-formed, over the engine defaults.
func overlayHashConfig(name, dir string, include, exclude []string) ([]string, []string) {
	body, err := os.ReadFile(filepath.Join(dir, HashConfigFilename))
	if err != nil {
		return include, exclude
	}
	var cfg struct {
		Include []string `json:"Include"`
		Exclude []string `json:"Exclude"`
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		logging.Debug("ignoring malformed hash configuration", "module", name)
		return include, exclude
	}
	if cfg.Include != nil {
		include = cfg.Include
	}
	if cfg.Exclude != nil {
		exclude = cfg.Exclude
	}
	return include, exclude
}
