package architecture_test

import (
	"bufio"
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestImportBoundaries(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	internalDir := filepath.Join(root, "internal")
	fset := token.NewFileSet()

	type violation struct {
		file string
		imp  string
		rule string
	}
	var violations []violation

	walkErr := filepath.WalkDir(internalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", ".gocache":
				return filepath.SkipDir
			default:
				return nil
			}
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		layer := layerFor(rel)
		if layer == "" {
			return nil
		}
		disallowed := disallowedImports(modulePath, layer)
		if len(disallowed) == 0 {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			if spec == nil || spec.Path == nil {
				continue
			}
			imp, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				continue
			}
			for _, bad := range disallowed {
				if strings.HasPrefix(imp, bad) {
					violations = append(violations, violation{file: rel, imp: imp, rule: bad})
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk internal/: %v", walkErr)
	}

	if len(violations) > 0 {
		var b strings.Builder
		b.WriteString("import boundary violations:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s imports %q (disallowed: %q)\n", v.file, v.imp, v.rule)
		}
		t.Fatal(b.String())
	}
}

// Concrete datastore backends stay behind the store.Store interface.
// Only the wiring layer and pgvector (which shares the postgres pool)
// may name them directly.
func TestConcreteStoresStayBehindInterface(t *testing.T) {
	t.Helper()

	start, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	root, err := findModuleRoot(start)
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	modulePath, err := readModulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read module path: %v", err)
	}

	internalDir := filepath.Join(root, "internal")
	fset := token.NewFileSet()

	allowedPrefixes := []string{
		"internal/store/",
		"internal/vector/",
		"internal/app/",
	}
	concrete := []string{
		modulePath + "/internal/store/postgres",
		modulePath + "/internal/store/mongo",
	}

	type violation struct {
		file string
		imp  string
	}
	var violations []violation

	walkErr := filepath.WalkDir(internalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case ".git", "vendor", "node_modules", ".gocache":
				return filepath.SkipDir
			default:
				return nil
			}
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, prefix := range allowedPrefixes {
			if strings.HasPrefix(rel, prefix) {
				return nil
			}
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}
		for _, spec := range f.Imports {
			if spec == nil || spec.Path == nil {
				continue
			}
			imp, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				continue
			}
			for _, bad := range concrete {
				if imp == bad || strings.HasPrefix(imp, bad+"/") {
					violations = append(violations, violation{file: rel, imp: imp})
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		t.Fatalf("walk internal/: %v", walkErr)
	}

	if len(violations) > 0 {
		var b strings.Builder
		b.WriteString("concrete datastore imports found outside store/vector/app (use the store.Store interface):\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s imports %q\n", v.file, v.imp)
		}
		t.Fatal(b.String())
	}
}

func layerFor(rel string) string {
	switch {
	case strings.HasPrefix(rel, "internal/pkg/"):
		return "pkg"
	case strings.HasPrefix(rel, "internal/domain/"):
		return "domain"
	case strings.HasPrefix(rel, "internal/fault/"), strings.HasPrefix(rel, "internal/principal/"):
		return "leaf"
	case strings.HasPrefix(rel, "internal/store/"):
		return "store"
	case strings.HasPrefix(rel, "internal/cache/"),
		strings.HasPrefix(rel, "internal/vector/"),
		strings.HasPrefix(rel, "internal/embed/"),
		strings.HasPrefix(rel, "internal/crypt/"),
		strings.HasPrefix(rel, "internal/blob/"):
		return "adapters"
	case strings.HasPrefix(rel, "internal/access/"),
		strings.HasPrefix(rel, "internal/conversation/"),
		strings.HasPrefix(rel, "internal/sharing/"),
		strings.HasPrefix(rel, "internal/search/"),
		strings.HasPrefix(rel, "internal/attachments/"),
		strings.HasPrefix(rel, "internal/resumer/"),
		strings.HasPrefix(rel, "internal/tasks/"):
		return "engines"
	default:
		return ""
	}
}

func disallowedImports(modulePath string, layer string) []string {
	engines := []string{
		modulePath + "/internal/access",
		modulePath + "/internal/conversation",
		modulePath + "/internal/sharing",
		modulePath + "/internal/search",
		modulePath + "/internal/attachments",
		modulePath + "/internal/resumer",
		modulePath + "/internal/tasks",
		modulePath + "/internal/app",
	}
	switch layer {
	case "pkg":
		return []string{
			modulePath + "/internal/domain",
			modulePath + "/internal/fault",
			modulePath + "/internal/principal",
			modulePath + "/internal/store",
			modulePath + "/internal/cache",
			modulePath + "/internal/vector",
			modulePath + "/internal/embed",
			modulePath + "/internal/crypt",
			modulePath + "/internal/blob",
			modulePath + "/internal/access",
			modulePath + "/internal/conversation",
			modulePath + "/internal/sharing",
			modulePath + "/internal/search",
			modulePath + "/internal/attachments",
			modulePath + "/internal/resumer",
			modulePath + "/internal/tasks",
			modulePath + "/internal/app",
		}
	case "domain", "leaf":
		return []string{
			modulePath + "/internal/pkg",
			modulePath + "/internal/store",
			modulePath + "/internal/cache",
			modulePath + "/internal/vector",
			modulePath + "/internal/embed",
			modulePath + "/internal/crypt",
			modulePath + "/internal/blob",
			modulePath + "/internal/access",
			modulePath + "/internal/conversation",
			modulePath + "/internal/sharing",
			modulePath + "/internal/search",
			modulePath + "/internal/attachments",
			modulePath + "/internal/resumer",
			modulePath + "/internal/tasks",
			modulePath + "/internal/app",
		}
	case "store":
		return append(engines,
			modulePath+"/internal/cache",
			modulePath+"/internal/vector",
			modulePath+"/internal/embed",
			modulePath+"/internal/crypt",
			modulePath+"/internal/blob",
		)
	case "adapters":
		return engines
	case "engines":
		return []string{modulePath + "/internal/app"}
	default:
		return nil
	}
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found from %s", start)
		}
		dir = parent
	}
}

func readModulePath(goModPath string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if !strings.HasPrefix(line, "module ") {
			continue
		}
		mp := strings.TrimSpace(strings.TrimPrefix(line, "module "))
		if mp == "" {
			return "", fmt.Errorf("empty module path in %s", goModPath)
		}
		return mp, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("module path not found in %s", goModPath)
}
