package profiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
profiles:
  reviewer:
    system_prompt: "Review the diff."
    allowed_tools: [Read, Grep]
    max_turns: 5
  builder:
    permission_mode: bypassPermissions
    cwd: /srv/app
`

func TestParse_KeepsOrderAndFields(t *testing.T) {
	p, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
	require.Equal(t, "reviewer", p.Oldest().Key)
	require.Equal(t, "builder", p.Newest().Key)

	reviewer, ok := p.Get("reviewer")
	require.True(t, ok)
	require.Equal(t, "Review the diff.", *reviewer.SystemPrompt)
	require.Equal(t, []string{"Read", "Grep"}, reviewer.AllowedTools)
	require.Equal(t, 5, *reviewer.MaxTurns)
	require.Empty(t, reviewer.PermissionMode)

	builder, _ := p.Get("builder")
	require.Equal(t, "bypassPermissions", builder.PermissionMode)
	require.Equal(t, "/srv/app", *builder.Cwd)
}

func TestParse_EmptyAndInvalid(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	require.Zero(t, p.Len())

	p, err = Parse([]byte("other: 1\n"))
	require.NoError(t, err)
	require.Zero(t, p.Len())

	_, err = Parse([]byte("- a\n- b\n"))
	require.Error(t, err)

	_, err = Parse([]byte("profiles: [a, b]\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	require.Empty(t, s.Names())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"reviewer", "builder"}, s.Names())

	cfg, ok := s.Get("reviewer")
	require.True(t, ok)
	cfg.AllowedTools[0] = "Write"
	again, _ := s.Get("reviewer")
	require.Equal(t, "Read", again.AllowedTools[0])

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestStore_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	s, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	updated := "profiles:\n  solo:\n    max_turns: 1\n"
	require.Eventually(t, func() bool {
		// rewrite until the watcher is up and has seen a change
		_ = os.WriteFile(path, []byte(updated), 0o644)
		names := s.Names()
		return len(names) == 1 && names[0] == "solo"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
