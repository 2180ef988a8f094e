package main

import (
	"fmt"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

var loaders = map[string]esbuild.Loader{
	".ts":  esbuild.LoaderTS,
	".mts": esbuild.LoaderTS,
	".cts": esbuild.LoaderTS,
	".tsx": esbuild.LoaderTSX,
	".jsx": esbuild.LoaderJSX,
	".mjs": esbuild.LoaderJS,
}

// needsTranspile reports whether path is compiled to a plain script first.
func needsTranspile(path string) bool {
	_, ok := loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// transpile turns TypeScript and module sources into a classic script.
// Other sources are returned unchanged.
func transpile(path, source string) (string, error) {
	loader, ok := loaders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return source, nil
	}
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatIIFE,
		Target:     esbuild.ES2022,
		Sourcefile: path,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if loc := msg.Location; loc != nil {
			return "", fmt.Errorf("%s:%d:%d: %s", loc.File, loc.Line, loc.Column, msg.Text)
		}
		return "", fmt.Errorf("%s: %s", path, msg.Text)
	}
	return string(result.Code), nil
}
