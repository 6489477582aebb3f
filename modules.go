package jsbridge

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

const moduleNamespace = "jsbridge-module"

// ErrNoModuleLoader is returned by EvaluateModule when Config.Modules has
// no loader.
var ErrNoModuleLoader = errors.New("jsbridge: no module loader configured")

// EvaluateModule bundles the module graph rooted at name and evaluates
// it. Sources are fetched through Config.Modules.Loader; relative
// specifiers resolve against the importing module.
func (b *Bridge) EvaluateModule(ctx context.Context, name string) error {
	c := b.c
	load := c.cfg.Modules.Loader
	if load == nil {
		return &FileEvaluationError{FileName: name, Err: ErrNoModuleLoader}
	}
	if err := c.usable(); err != nil {
		return &FileEvaluationError{FileName: name, Err: err}
	}
	src, err := bundleModule(name, load)
	if err != nil {
		return &FileEvaluationError{FileName: name, Err: err}
	}
	return c.evaluateGlobal(ctx, src, name)
}

// bundleModule links the module graph of entry into one script.
func bundleModule(entry string, load func(string) (string, error)) (string, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Format:      esbuild.FormatIIFE,
		Write:       false,
		Platform:    esbuild.PlatformNeutral,
		Target:      esbuild.ES2022,
		LogLevel:    esbuild.LogLevelSilent,
		Plugins:     []esbuild.Plugin{loaderPlugin(load)},
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", entry, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", entry)
	}
	return string(result.OutputFiles[0].Contents), nil
}

// loaderPlugin routes every import through load.
func loaderPlugin(load func(string) (string, error)) esbuild.Plugin {
	return esbuild.Plugin{
		Name: "jsbridge-loader",
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					return esbuild.OnResolveResult{Path: resolveModule(args.Importer, args.Path), Namespace: moduleNamespace}, nil
				})
			build.OnLoad(esbuild.OnLoadOptions{Filter: ".*", Namespace: moduleNamespace},
				func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
					src, err := load(args.Path)
					if err != nil {
						return esbuild.OnLoadResult{}, fmt.Errorf("loading module %s: %w", args.Path, err)
					}
					return esbuild.OnLoadResult{Contents: &src, Loader: loaderFor(args.Path)}, nil
				})
		},
	}
}

func resolveModule(importer, specifier string) string {
	if importer == "" || !(strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../")) {
		return specifier
	}
	return path.Join(path.Dir(importer), specifier)
}

func loaderFor(name string) esbuild.Loader {
	switch path.Ext(name) {
	case ".ts", ".mts":
		return esbuild.LoaderTS
	case ".json":
		return esbuild.LoaderJSON
	default:
		return esbuild.LoaderJS
	}
}
