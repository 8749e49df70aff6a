package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrivener/internal/tools"
)

const skillMD = `---
name: weather
tools:
  get_forecast:
    description: Fetch the forecast for a city
    shell: forecast.sh
    parameters:
      type: object
      properties:
        city:
          type: string
---

# Weather skill
`

func writeSkill(t *testing.T, skillsDir, name, skillFile, script string) string {
	t.Helper()
	dir := filepath.Join(skillsDir, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tools"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(skillFile), 0o644))
	if script != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tools", "forecast.sh"), []byte(script), 0o755))
	}
	return dir
}

func TestParseMetadata(t *testing.T) {
	meta, err := ParseMetadata(skillMD, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "weather", meta.Name)
	require.Contains(t, meta.Tools, "get_forecast")
	assert.Equal(t, "forecast.sh", meta.Tools["get_forecast"].Shell)
	assert.Equal(t, "object", meta.Tools["get_forecast"].Parameters["type"])
}

func TestParseMetadataFallbackName(t *testing.T) {
	meta, err := ParseMetadata("---\ntools: {}\n---\nbody", "dirname")
	require.NoError(t, err)
	assert.Equal(t, "dirname", meta.Name)
}

func TestParseMetadataErrors(t *testing.T) {
	_, err := ParseMetadata("# no frontmatter", "x")
	assert.Error(t, err)
	_, err = ParseMetadata("---\nname: broken", "x")
	assert.Error(t, err)
}

func TestDiscoverSkipsInvalid(t *testing.T) {
	skillsDir := t.TempDir()
	writeSkill(t, skillsDir, "weather", skillMD, "")
	writeSkill(t, skillsDir, "broken", "# missing frontmatter", "")
	// A directory without SKILL.md is silently ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(skillsDir, "empty"), 0o755))

	found := Discover(skillsDir, nil)
	require.Len(t, found, 1)
	assert.Equal(t, "weather", found[0].Meta.Name)
}

func TestRegisterAllAndExecute(t *testing.T) {
	workspace := t.TempDir()
	skillsDir := filepath.Join(workspace, "skills")
	writeSkill(t, skillsDir, "weather", skillMD,
		"#!/bin/bash\necho \"args=$SCRIVENER_ARGS ws=$SCRIVENER_WORKSPACE\"\n")

	reg := tools.NewRegistry(workspace, tools.Options{})
	n := RegisterAll(reg, skillsDir, Options{Workspace: workspace, Timeout: 10 * time.Second})
	assert.Equal(t, 1, n)

	var decl bool
	for _, d := range reg.Declarations() {
		if d.Name == "get_forecast" {
			decl = true
			assert.Equal(t, "weather: Fetch the forecast for a city", d.Description)
		}
	}
	require.True(t, decl)
	assert.False(t, reg.IsReadOnly("get_forecast"))
	assert.False(t, reg.IsWrite("get_forecast"))

	res := reg.Invoke(context.Background(), "get_forecast", map[string]any{"city": "Oslo"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Output, `args={"city":"Oslo"}`)
	assert.Contains(t, res.Output, "ws="+workspace)
}

func TestSkillFailureSurfacesExitCode(t *testing.T) {
	workspace := t.TempDir()
	skillsDir := filepath.Join(workspace, "skills")
	writeSkill(t, skillsDir, "weather", skillMD, "#!/bin/bash\necho boom >&2\nexit 7\n")

	reg := tools.NewRegistry(workspace, tools.Options{})
	RegisterAll(reg, skillsDir, Options{Workspace: workspace, Timeout: 10 * time.Second})

	res := reg.Invoke(context.Background(), "get_forecast", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "exit code 7")
	assert.Contains(t, res.Output, "STDERR:\nboom")
}

func TestSkillTimeout(t *testing.T) {
	workspace := t.TempDir()
	skillsDir := filepath.Join(workspace, "skills")
	writeSkill(t, skillsDir, "weather", skillMD, "#!/bin/bash\nsleep 30\n")

	reg := tools.NewRegistry(workspace, tools.Options{})
	RegisterAll(reg, skillsDir, Options{Workspace: workspace, Timeout: 200 * time.Millisecond})

	res := reg.Invoke(context.Background(), "get_forecast", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "timed out")
}
