package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/control"
	"github.com/zsiec/tsdecrypt/internal/mpegts"
	"github.com/zsiec/tsdecrypt/internal/testdata"
	"github.com/zsiec/tsdecrypt/pkg/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&rootOptions{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tsdecrypt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, version.Name))
}

func TestUnknownProfile(t *testing.T) {
	_, err := execute(t, "--profile", "heap", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestRunCommand_File(t *testing.T) {
	cfgPath := writeConfig(t, `
logging:
  level: error
descrambler:
  engine: none
  demuxes:
    - adapter: 0
      demux: 2
`)
	dir := t.TempDir()
	in := filepath.Join(dir, "rec.ts")
	stream := testdata.Stream(0x100, 40, 5, 20)
	require.NoError(t, os.WriteFile(in, stream, 0o644))

	outPath := filepath.Join(dir, "clear.ts")
	_, err := execute(t, "--config", cfgPath, "run", in, "-o", outPath, "--ca", "0x0002")
	require.NoError(t, err)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, stream[5*mpegts.PacketSize:], got)
}

func TestRunCommand_Errors(t *testing.T) {
	cfgPath := writeConfig(t, "logging:\n  level: error\n")
	in := filepath.Join(t.TempDir(), "rec.ts")
	require.NoError(t, os.WriteFile(in, testdata.Stream(0x100, 4, 0), 0o644))

	_, err := execute(t, "--config", cfgPath, "run", in, "--ca", "7")
	assert.ErrorIs(t, err, control.ErrUnknownDescrambler)

	_, err = execute(t, "--config", cfgPath, "run", in, "--ca", "zz")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfgPath, "run", filepath.Join(t.TempDir(), "missing.ts"))
	assert.Error(t, err)

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run", in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
