// Command nfogen converts downloader metadata (*.info.json) into NFO
// sidecar documents next to their videos. A YAML template selects which
// elements are emitted; existing sidecars are never overwritten.
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kman0001/tubesync-plex/internal/log"
	"github.com/kman0001/tubesync-plex/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	templatePath := flag.String("template", "", "path to the YAML element template (required)")
	scanDir := flag.String("scan", "", "directory to scan recursively for *.info.json files")
	infoFile := flag.String("info", "", "convert a single *.info.json file")
	flag.Parse()

	log.Configure(log.Config{Level: "info", Service: "nfogen", Version: version.Version})
	logger := log.WithComponent("nfogen")

	if *templatePath == "" || (*scanDir == "" && *infoFile == "") {
		fmt.Fprintln(os.Stderr, "usage: nfogen --template template.yaml (--scan <dir> | --info <file.info.json>)")
		return 2
	}

	template, err := LoadTemplate(*templatePath)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldPath, *templatePath).Msg("template unusable")
		return 1
	}

	conv := &converter{template: template, logger: logger, now: time.Now}

	var candidates []string
	if *infoFile != "" {
		candidates = []string{*infoFile}
	} else {
		candidates, err = findInfoFiles(*scanDir)
		if err != nil {
			logger.Error().Err(err).Str(log.FieldPath, *scanDir).Msg("scan failed")
			return 1
		}
	}

	written := 0
	for _, infoPath := range candidates {
		ok, err := conv.Convert(infoPath)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, infoPath).Msg("conversion failed")
			continue
		}
		if ok {
			written++
		}
	}

	logger.Info().Int("candidates", len(candidates)).Int("written", written).Msg("done")
	return 0
}

// findInfoFiles walks dir for metadata files, skipping hidden entries.
func findInfoFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), infoSuffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
