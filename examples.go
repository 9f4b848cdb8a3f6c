package brickbase

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Examples holds the bundled example scripts
//
//go:embed examples/*.lua
var Examples embed.FS

// ExampleNames lists the bundled scripts without the .lua suffix
func ExampleNames() []string {
	entries, err := fs.ReadDir(Examples, "examples")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lua") {
			names = append(names, strings.TrimSuffix(e.Name(), ".lua"))
		}
	}
	sort.Strings(names)
	return names
}

// Example returns the source of a bundled script, with or without the .lua suffix
func Example(name string) (string, error) {
	name = strings.TrimSuffix(name, ".lua")
	b, err := Examples.ReadFile(path.Join("examples", name+".lua"))
	if err != nil {
		return "", fmt.Errorf("unknown example %q (available: %s)", name, strings.Join(ExampleNames(), ", "))
	}
	return string(b), nil
}
