package decompose

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/aichestrator/internal/store"
)

// ProjectType is the detected ecosystem of a project tree.
type ProjectType string

const (
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectRust    ProjectType = "rust"
	ProjectGo      ProjectType = "go"
	ProjectJava    ProjectType = "java"
	ProjectDotnet  ProjectType = "dotnet"
	ProjectAndroid ProjectType = "android"
	ProjectIOS     ProjectType = "ios"
	ProjectFlutter ProjectType = "flutter"
	ProjectUnknown ProjectType = "unknown"
)

// greenfieldThreshold: trees with fewer meaningful files are treated as
// empty projects that need scaffolding.
const greenfieldThreshold = 3

// ProjectInfo summarizes the analysis that seeds the parallel planner.
type ProjectInfo struct {
	Type            ProjectType
	HasBuildSystem  bool
	MeaningfulFiles int
	Greenfield      bool
}

// signatureFiles maps marker files to project types, checked in order so
// mobile frameworks win over their host ecosystems.
var signatureFiles = []struct {
	name string
	typ  ProjectType
}{
	{"pubspec.yaml", ProjectFlutter},
	{"AndroidManifest.xml", ProjectAndroid},
	{"Podfile", ProjectIOS},
	{"go.mod", ProjectGo},
	{"Cargo.toml", ProjectRust},
	{"package.json", ProjectNode},
	{"pyproject.toml", ProjectPython},
	{"setup.py", ProjectPython},
	{"requirements.txt", ProjectPython},
	{"pom.xml", ProjectJava},
	{"build.gradle", ProjectJava},
	{"build.gradle.kts", ProjectJava},
}

// hintWords backs off to task text when the tree carries no signature.
var hintWords = map[string]ProjectType{
	"typescript": ProjectNode,
	"javascript": ProjectNode,
	"node":       ProjectNode,
	"react":      ProjectNode,
	"python":     ProjectPython,
	"django":     ProjectPython,
	"rust":       ProjectRust,
	"golang":     ProjectGo,
	" go ":       ProjectGo,
	"java":       ProjectJava,
	"kotlin":     ProjectAndroid,
	"android":    ProjectAndroid,
	"swift":      ProjectIOS,
	"ios":        ProjectIOS,
	"flutter":    ProjectFlutter,
	"c#":         ProjectDotnet,
	"dotnet":     ProjectDotnet,
	".net":       ProjectDotnet,
}

// skipDirs are never counted as meaningful content.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".aichestrator": true,
}

// AnalyzeProject inspects the tree at projectPath (plus the task text as a
// fallback hint) and classifies the project.
func AnalyzeProject(projectPath, taskText string) ProjectInfo {
	info := ProjectInfo{Type: ProjectUnknown}

	for _, sig := range signatureFiles {
		if _, err := os.Stat(filepath.Join(projectPath, sig.name)); err == nil {
			info.Type = sig.typ
			info.HasBuildSystem = true
			break
		}
	}

	// .csproj / .sln markers carry project-specific names.
	if info.Type == ProjectUnknown {
		if entries, err := os.ReadDir(projectPath); err == nil {
			for _, e := range entries {
				if strings.HasSuffix(e.Name(), ".csproj") || strings.HasSuffix(e.Name(), ".sln") {
					info.Type = ProjectDotnet
					info.HasBuildSystem = true
					break
				}
				if strings.HasSuffix(e.Name(), ".xcodeproj") {
					info.Type = ProjectIOS
					info.HasBuildSystem = true
					break
				}
			}
		}
	}

	if info.Type == ProjectUnknown {
		lower := " " + strings.ToLower(taskText) + " "
		for word, typ := range hintWords {
			if strings.Contains(lower, word) {
				info.Type = typ
				break
			}
		}
	}

	info.MeaningfulFiles = countMeaningfulFiles(projectPath)
	info.Greenfield = info.MeaningfulFiles < greenfieldThreshold
	return info
}

// countMeaningfulFiles walks the tree counting source-ish files, skipping
// hidden entries and dependency/output directories. The walk stops early
// once the greenfield question is settled.
func countMeaningfulFiles(projectPath string) int {
	const enough = 64
	count := 0
	_ = filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != projectPath && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		count++
		if count >= enough {
			return filepath.SkipAll
		}
		return nil
	})
	return count
}

// mandateBuilders wraps a greenfield (or build-system-less) plan in builder
// subtasks: a scaffold step everything depends on, and a final build
// verification depending on everything else.
func (info ProjectInfo) mandateBuilders(items []Result) []Result {
	if !info.Greenfield && info.HasBuildSystem {
		return items
	}
	if len(items) == 0 {
		return items
	}

	scaffold := Result{
		Description: "Set up the project skeleton and build system (" + string(info.Type) + ")",
		AgentType:   store.AgentBuilder,
	}

	out := make([]Result, 0, len(items)+2)
	out = append(out, scaffold)
	for _, item := range items {
		deps := make([]int, 0, len(item.Dependencies)+1)
		for _, dep := range item.Dependencies {
			deps = append(deps, dep+1)
		}
		if len(deps) == 0 {
			deps = append(deps, 0)
		}
		item.Dependencies = deps
		out = append(out, item)
	}

	verify := Result{
		Description: "Run the full build and fix anything that does not compile",
		AgentType:   store.AgentBuilder,
	}
	for i := 0; i < len(out); i++ {
		verify.Dependencies = append(verify.Dependencies, i)
	}
	return append(out, verify)
}
