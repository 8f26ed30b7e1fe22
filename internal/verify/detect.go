package verify

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// excludedDirs mirrors the vendor/dependency-cache/VCS-metadata classes
// the teacher's skills loader skips when walking a tree, adapted to the
// toolchains this engine detects.
var excludedDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	".git":         true,
	"target":       true,
	"bin":          true,
	"obj":          true,
}

// Detect walks root and returns one DetectedProject per recognized
// project root (spec §4.3's closed recognition-rule table). A directory
// is visited at most once per project type — the first marker found at
// a given path wins.
func Detect(root string) ([]DetectedProject, error) {
	var projects []DetectedProject

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		dir := filepath.Dir(path)
		name := d.Name()

		switch {
		case strings.HasSuffix(name, ".sln"):
			projects = appendProject(projects, dotnetProject(dir, strings.TrimSuffix(name, ".sln"), true))
		case strings.HasSuffix(name, ".csproj") || strings.HasSuffix(name, ".fsproj"):
			if !hasSibling(projects, dir, ProjectDotnet) && !hasSolutionAncestor(root, dir) {
				projects = appendProject(projects, dotnetProject(dir, strings.TrimSuffix(name, filepath.Ext(name)), false))
			}
		case name == "package.json":
			if p, ok := npmProject(dir, path); ok {
				projects = appendProject(projects, p)
			}
		case name == "Cargo.toml":
			projects = appendProject(projects, cargoProject(dir))
		case name == "go.mod":
			projects = appendProject(projects, goProject(dir, path))
		case name == "pyproject.toml" || name == "ruff.toml" || name == ".ruff.toml":
			if p, ok := pythonProject(dir); ok {
				projects = appendProject(projects, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// appendProject adds p unless a project of the same type already claims
// the same path (a directory may match more than one glob, e.g. both
// ruff.toml and pyproject.toml).
func appendProject(projects []DetectedProject, p DetectedProject) []DetectedProject {
	for _, existing := range projects {
		if existing.Type == p.Type && existing.Path == p.Path {
			return projects
		}
	}
	return append(projects, p)
}

func hasSibling(projects []DetectedProject, dir string, t ProjectType) bool {
	for _, p := range projects {
		if p.Type == t && p.Path == dir {
			return true
		}
	}
	return false
}

// hasSolutionAncestor reports whether any ancestor of dir (up to root)
// contains a .sln file — a standalone project file under a solution is
// built by the solution build, not independently (spec §4.3: "solution
// file" vs. "compilation-unit project file (no solution)").
func hasSolutionAncestor(root, dir string) bool {
	for d := dir; ; d = filepath.Dir(d) {
		entries, err := os.ReadDir(d)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".sln") {
					return true
				}
			}
		}
		if d == root || d == filepath.Dir(d) {
			return false
		}
	}
}

func dotnetProject(dir, name string, hasSolution bool) DetectedProject {
	steps := []VerificationStep{
		{Type: "build", Command: "dotnet", Args: []string{"build"}, WorkingDir: dir, Required: true, TimeoutSec: 300},
	}
	if hasSolution {
		steps = append(steps, VerificationStep{
			Type: "format", Command: "dotnet", Args: []string{"format", "--verify-no-changes"}, WorkingDir: dir, Required: false, TimeoutSec: 120,
		})
	}
	return DetectedProject{Type: ProjectDotnet, Name: name, Path: dir, Steps: steps}
}

type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

func npmProject(dir, manifestPath string) (DetectedProject, bool) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return DetectedProject{}, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return DetectedProject{}, false
	}
	if _, hasBuild := pkg.Scripts["build"]; !hasBuild {
		return DetectedProject{}, false
	}

	manager := "npm"
	if fileExists(filepath.Join(dir, "yarn.lock")) {
		manager = "yarn"
	}

	name := pkg.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	steps := []VerificationStep{
		{Type: "build", Command: manager, Args: []string{"run", "build"}, WorkingDir: dir, Required: true, TimeoutSec: 300},
	}
	if _, hasLint := pkg.Scripts["lint"]; hasLint {
		steps = append(steps, VerificationStep{
			Type: "lint", Command: manager, Args: []string{"run", "lint"}, WorkingDir: dir, Required: false, TimeoutSec: 120,
		})
	}
	return DetectedProject{Type: ProjectNpm, Name: name, Path: dir, Steps: steps}, true
}

func cargoProject(dir string) DetectedProject {
	return DetectedProject{
		Type: ProjectCargo,
		Name: filepath.Base(dir),
		Path: dir,
		Steps: []VerificationStep{
			{Type: "build", Command: "cargo", Args: []string{"build"}, WorkingDir: dir, Required: true, TimeoutSec: 300},
			{Type: "format", Command: "cargo", Args: []string{"fmt", "--check"}, WorkingDir: dir, Required: false, TimeoutSec: 60},
			{Type: "lint", Command: "cargo", Args: []string{"clippy"}, WorkingDir: dir, Required: false, TimeoutSec: 180},
		},
	}
}

func goProject(dir, modPath string) DetectedProject {
	name := moduleName(modPath)
	if name == "" {
		name = filepath.Base(dir)
	}
	return DetectedProject{
		Type: ProjectGo,
		Name: name,
		Path: dir,
		Steps: []VerificationStep{
			{Type: "build", Command: "go", Args: []string{"build", "./..."}, WorkingDir: dir, Required: true, TimeoutSec: 300},
			{Type: "format", Command: "gofmt", Args: []string{"-l", "."}, WorkingDir: dir, Required: false, TimeoutSec: 60},
			{Type: "vet", Command: "go", Args: []string{"vet", "./..."}, WorkingDir: dir, Required: false, TimeoutSec: 120},
		},
	}
}

func moduleName(modPath string) string {
	raw, err := os.ReadFile(modPath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "module ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "module"))
		}
	}
	return ""
}

func pythonProject(dir string) (DetectedProject, bool) {
	hasRuff := fileExists(filepath.Join(dir, "ruff.toml")) || fileExists(filepath.Join(dir, ".ruff.toml"))
	if !hasRuff {
		raw, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
		if err != nil {
			return DetectedProject{}, false
		}
		if !strings.Contains(string(raw), "[tool.ruff]") {
			return DetectedProject{}, false
		}
	}
	return DetectedProject{
		Type: ProjectPython,
		Name: filepath.Base(dir),
		Path: dir,
		Steps: []VerificationStep{
			{Type: "lint", Command: "ruff", Args: []string{"check", "."}, WorkingDir: dir, Required: false, TimeoutSec: 120},
			{Type: "format", Command: "ruff", Args: []string{"format", "--check", "."}, WorkingDir: dir, Required: false, TimeoutSec: 60},
		},
	}, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
