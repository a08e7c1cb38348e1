package main

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type pathEvaluator struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

func newPathEvaluator(logger log.Logger) pathEvaluator {
	return pathEvaluator{
		logger:       logger,
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
	}
}

// evaluate expands glob patterns and returns the absolute paths of existing files.
func (e pathEvaluator) evaluate(paths []string) []string {
	var expandedPaths []string
	for _, p := range paths {
		if !strings.Contains(p, "*") {
			expandedPaths = append(expandedPaths, p)
			continue
		}

		base, pattern := doublestar.SplitPattern(p)
		absBase, err := e.pathModifier.AbsPath(base)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", p, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", p)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var finalPaths []string
	seen := map[string]bool{}
	for _, p := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(p)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", p, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("Upload path doesn't exist: %s", p)
			continue
		}
		if isDir, err := e.pathChecker.IsDirExists(absPath); err == nil && isDir {
			e.logger.Warnf("Skipping directory: %s", p)
			continue
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths
}

func objectKey(prefix, file string) string {
	return strings.TrimPrefix(path.Join(prefix, filepath.Base(file)), "/")
}
