package devserver

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// appSubdirs are the locations scanned for a runnable package manifest, in
// preference order. The empty string is the project root itself.
var appSubdirs = []string{"", "frontend", "app", "client", "web", "packages/web", "packages/app"}

// PackageJSON is the subset of a package manifest the supervisor cares about.
type PackageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

// FindDevDir locates the subdirectory containing dev scripts in a project.
// A manifest with a "dev" script wins over one with only "start", which wins
// over any manifest at all. The returned directory is always usable; when no
// manifest is found the project path itself comes back with a nil manifest.
func FindDevDir(projectPath string) (string, *PackageJSON) {
	var devMatch, startMatch, anyMatch string
	var devPkg, startPkg, anyPkg *PackageJSON

	for _, subdir := range appSubdirs {
		candidate := filepath.Join(projectPath, subdir, "package.json")
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var pkg PackageJSON
		if err := json.Unmarshal(data, &pkg); err != nil {
			continue
		}

		dir := filepath.Dir(candidate)
		switch {
		case pkg.Scripts["dev"] != "":
			devMatch, devPkg = dir, &pkg
		case pkg.Scripts["start"] != "" && startMatch == "":
			startMatch, startPkg = dir, &pkg
		case anyMatch == "":
			anyMatch, anyPkg = dir, &pkg
		}
		if devMatch != "" {
			break
		}
	}

	switch {
	case devMatch != "":
		return devMatch, devPkg
	case startMatch != "":
		return startMatch, startPkg
	case anyMatch != "":
		return anyMatch, anyPkg
	}
	return projectPath, nil
}
