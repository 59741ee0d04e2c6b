package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/session"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	AddGlobalFlags(f)
	AddFlags(f)
	require.NoError(t, f.Parse(args))
	return f
}

func TestDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	v, err := NewViper(newFlags(t), "")
	require.NoError(t, err)
	s, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", s.Addr)
	assert.Equal(t, "study-chat.db", s.DB)
	assert.Equal(t, session.DefaultCountdown, s.Countdown)
	assert.Equal(t, assistant.DefaultModel, s.Assistant.Model)
	assert.Equal(t, assistant.DefaultBaseURL, s.Assistant.BaseURL)
	assert.False(t, s.Lifecycle.Enabled)
	assert.Equal(t, "localhost:6379", s.Lifecycle.Addr)
	assert.Equal(t, "info", s.LogLevel)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("STUDY_CHAT_ADDR", ":9090")
	t.Setenv("STUDY_CHAT_COUNTDOWN", "5m")
	t.Setenv("STUDY_CHAT_REDIS_ENABLED", "true")
	t.Setenv("STUDY_CHAT_OPENAI_MODEL", "gpt-4o-mini")

	v, err := NewViper(newFlags(t), "")
	require.NoError(t, err)
	s, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, ":9090", s.Addr)
	assert.Equal(t, 5*time.Minute, s.Countdown)
	assert.True(t, s.Lifecycle.Enabled)
	assert.Equal(t, "gpt-4o-mini", s.Assistant.Model)
}

func TestFlagsBeatEnvironment(t *testing.T) {
	t.Setenv("STUDY_CHAT_ADDR", ":9090")
	v, err := NewViper(newFlags(t, "--addr", ":7070"), "")
	require.NoError(t, err)
	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, ":7070", s.Addr)
}

func TestAPIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	v, err := NewViper(newFlags(t), "")
	require.NoError(t, err)
	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", s.Assistant.APIKey)

	t.Setenv("STUDY_CHAT_OPENAI_API_KEY", "sk-primary")
	v, err = NewViper(newFlags(t), "")
	require.NoError(t, err)
	s, err = FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-primary", s.Assistant.APIKey)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "study-chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":6060\"\ndb: \"\"\nredis-group: lab\n"), 0o600))

	v, err := NewViper(newFlags(t), path)
	require.NoError(t, err)
	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, ":6060", s.Addr)
	assert.Equal(t, "", s.DB)
	assert.Equal(t, "lab", s.Lifecycle.Group)

	_, err = NewViper(newFlags(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRejectsBadCountdown(t *testing.T) {
	v, err := NewViper(newFlags(t, "--countdown", "500ms"), "")
	require.NoError(t, err)
	_, err = FromViper(v)
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	shared := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(local, []byte("STUDY_CHAT_TEST_A=local\n"), 0o600))
	require.NoError(t, os.WriteFile(shared, []byte("STUDY_CHAT_TEST_A=shared\nSTUDY_CHAT_TEST_B=shared\n"), 0o600))
	t.Setenv("STUDY_CHAT_TEST_A", "")
	t.Setenv("STUDY_CHAT_TEST_B", "")
	require.NoError(t, os.Unsetenv("STUDY_CHAT_TEST_A"))
	require.NoError(t, os.Unsetenv("STUDY_CHAT_TEST_B"))

	require.NoError(t, LoadDotEnv(local, shared, filepath.Join(dir, "absent")))
	assert.Equal(t, "local", os.Getenv("STUDY_CHAT_TEST_A"))
	assert.Equal(t, "shared", os.Getenv("STUDY_CHAT_TEST_B"))
}
