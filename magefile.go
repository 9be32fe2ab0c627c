//go:build mage
// +build mage

package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binary     = "bin/batchgen"
	coverage   = "coverage.out"
	devConfig  = "configs/config.yaml"
	wireTag    = "//go:build wireinject"
	wireOutput = "wire_gen.go"
)

// Default target when running mage without arguments.
var Default = Build

// Test groups the test targets.
type Test mg.Namespace

// Build builds the server binary.
func Build() error {
	fmt.Println("Building", binary)
	return sh.Run("go", "build", "-o", binary, "./cmd/server")
}

// Run builds and starts the server with the development config.
func Run() error {
	mg.Deps(Build)
	return sh.RunV("./"+binary, "-config", devConfig)
}

// Token prints a development access token for USER_ID.
func Token() error {
	userID := os.Getenv("USER_ID")
	if userID == "" {
		return fmt.Errorf("USER_ID is required")
	}
	return sh.RunV("go", "run", "./cmd/server", "-config", devConfig, "-mint-token", userID)
}

// Unit runs unit tests with the race detector.
func (Test) Unit() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Integration runs tests against Postgres and Redis containers. Docker must
// be available.
func (Test) Integration() error {
	return sh.RunV("go", "test", "-race", "-tags", "integration", "-timeout", "10m", "./...")
}

// Cover writes a coverage profile for unit tests.
func (Test) Cover() error {
	if err := sh.RunV("go", "test", "-coverprofile="+coverage, "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+coverage)
}

// Lint runs go vet and golangci-lint.
func Lint() error {
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("golangci-lint", "run", "./...")
}

// Wire regenerates injectors for every package with a wireinject file.
func Wire() error {
	dirs, err := injectorDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		fmt.Println("wire", dir)
		if err := sh.Run("wire", "gen", dir); err != nil {
			return fmt.Errorf("wire %s: %w", dir, err)
		}
	}
	return nil
}

func injectorDirs() ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != "." && (name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dir := "./" + filepath.Dir(path)
		if strings.Contains(string(data), wireTag) && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
		return nil
	})
	return dirs, err
}

// Tidy runs go mod tidy.
func Tidy() error {
	return sh.Run("go", "mod", "tidy")
}

// Clean removes build outputs and generated injectors.
func Clean() error {
	for _, p := range []string{"bin", coverage} {
		if err := sh.Rm(p); err != nil {
			return err
		}
	}
	return filepath.WalkDir("internal", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == wireOutput {
			return os.Remove(path)
		}
		return nil
	})
}

// CI runs tidy, lint and unit tests.
func CI() {
	mg.SerialDeps(Tidy, Lint, Test.Unit)
}

// Install installs code generation and lint tools.
func Install() error {
	for _, tool := range []string{
		"github.com/google/wire/cmd/wire@v0.7.0",
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
	} {
		fmt.Println("go install", tool)
		if err := sh.Run("go", "install", tool); err != nil {
			return fmt.Errorf("install %s: %w", tool, err)
		}
	}
	return nil
}
