package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_evaluate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"app.ipa", "app.dSYM.zip", filepath.Join("nested", "lib.dSYM.zip")} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o600))
	}

	got := newPathEvaluator(log.NewLogger()).evaluate([]string{
		filepath.Join(dir, "app.ipa"),
		filepath.Join(dir, "**", "*.dSYM.zip"),
		filepath.Join(dir, "app.ipa"),
		filepath.Join(dir, "missing.apk"),
		filepath.Join(dir, "*.aab"),
		filepath.Join(dir, "nested"),
	})

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "app.ipa"),
		filepath.Join(dir, "app.dSYM.zip"),
		filepath.Join(dir, "nested", "lib.dSYM.zip"),
	}, got)
}

func Test_objectKey(t *testing.T) {
	assert.Equal(t, "app.ipa", objectKey("", "/tmp/build/app.ipa"))
	assert.Equal(t, "builds/42/app.ipa", objectKey("builds/42", "/tmp/build/app.ipa"))
	assert.Equal(t, "builds/app.ipa", objectKey("/builds/", "app.ipa"))
}
