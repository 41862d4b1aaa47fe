// Command verify-http-confinement enforces the transport boundary: only the
// packages that own an HTTP surface may import net/http directly. Everything
// else goes through the server client, so pacing, retries and auth cannot be
// bypassed by accident.
//
// Run from the repository root:
//
//	go run ./scripts/verify-http-confinement.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"
)

// allowed lists the package suffixes that may import net/http in non-test
// code: the shared client builders, the server client, the ops surface,
// the binary downloader, the telemetry exporters and the health probes.
var allowed = []string{
	"internal/httpx",
	"internal/plex",
	"internal/ops",
	"internal/ffmpeg",
	"internal/telemetry",
	"internal/health",
}

func main() {
	pattern := "./..."
	if len(os.Args) > 1 {
		pattern = os.Args[1]
	}

	violations, err := analyze(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "❌ net/http imported outside the transport boundary:")
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, "  " + v)
		}
		os.Exit(1)
	}
	fmt.Println("✓ net/http confined to the transport packages")
}

func analyze(pattern string) ([]string, error) {
	cfg := &packages.Config{
		Mode: packages.NeedSyntax | packages.NeedFiles | packages.NeedCompiledGoFiles | packages.NeedName,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		if allowedPackage(pkg.PkgPath) {
			continue
		}
		for i, file := range pkg.Syntax {
			filename := ""
			if i < len(pkg.CompiledGoFiles) {
				filename = pkg.CompiledGoFiles[i]
			} else if i < len(pkg.GoFiles) {
				filename = pkg.GoFiles[i]
			}
			if filename == "" || strings.HasSuffix(filename, "_test.go") {
				continue
			}

			for _, imp := range file.Imports {
				path, _ := strconv.Unquote(imp.Path.Value)
				if path != "net/http" {
					continue
				}
				pos := pkg.Fset.Position(imp.Pos())
				violations = append(violations, fmt.Sprintf("%s:%d: direct net/http import in %s", pos.Filename, pos.Line, pkg.PkgPath))
			}
		}
	}
	return violations, nil
}

func allowedPackage(pkgPath string) bool {
	for _, suffix := range allowed {
		if strings.HasSuffix(pkgPath, suffix) {
			return true
		}
	}
	return false
}
