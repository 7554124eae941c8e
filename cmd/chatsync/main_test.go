package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/chat"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHATSYNC_API_URL", "CHATSYNC_WS_URL", "CHATSYNC_API_KEY", "CHATSYNC_DB_PATH", "CHATSYNC_DB_SECRET",
		"CHATSYNC_USER_ID", "CHATSYNC_API_SECRET", "CHATSYNC_TOKEN", "CHATSYNC_LOG_LEVEL", "CHATSYNC_ENV",
	} {
		t.Setenv(key, "")
	}
}

func writeTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	content := fmt.Sprintf(`{
		"client": {"api_url": "http://127.0.0.1:1", "ws_url": "ws://127.0.0.1:1", "api_key": "key", "user_id": "alice", "api_secret": "dev-secret"},
		"database": {"path": %q}
	}`, dbPath)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "migrate", "token", "version"} {
		assert.Contains(t, names, want)
	}

	migrate, _, err := root.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.NotNil(t, migrate.Flags().Lookup("steps"))
	assert.NotNil(t, migrate.InheritedFlags().Lookup("db"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "chatsync "+Version))
	assert.Contains(t, out, "Git Commit: "+GitCommit)
}

func TestApplyLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *models.Config
		verbose bool
		want    logrus.Level
	}{
		{"nil config", nil, false, logrus.InfoLevel},
		{"empty level", &models.Config{}, false, logrus.InfoLevel},
		{"configured", &models.Config{LogLevel: "warn"}, false, logrus.WarnLevel},
		{"verbose wins", &models.Config{LogLevel: "error"}, true, logrus.DebugLevel},
		{"invalid falls back to info", &models.Config{LogLevel: "loud"}, false, logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := quietLogger()
			applyLogLevel(logger, tt.cfg, tt.verbose)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &models.Config{LogLevel: "info"}, false)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestResolveToken(t *testing.T) {
	t.Run("configured token wins", func(t *testing.T) {
		token, err := resolveToken(models.ClientConfig{UserID: "alice", Token: "static", APISecret: "s"})
		require.NoError(t, err)
		assert.Equal(t, "static", token)
	})

	t.Run("signs development token", func(t *testing.T) {
		token, err := resolveToken(models.ClientConfig{UserID: "alice", APISecret: "dev-secret"})
		require.NoError(t, err)
		user, err := chat.ParseToken(token, "dev-secret")
		require.NoError(t, err)
		assert.Equal(t, "alice", user)
	})

	t.Run("no credentials", func(t *testing.T) {
		token, err := resolveToken(models.ClientConfig{UserID: "alice"})
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := resolveToken(models.ClientConfig{APISecret: "dev-secret"})
		assert.Error(t, err)
	})
}

func TestTokenCommand(t *testing.T) {
	setupTestEnv(t)
	configPath := writeTestConfig(t, filepath.Join(t.TempDir(), "cache.db"))

	tests := []struct {
		name     string
		args     []string
		wantUser string
	}{
		{"default user", nil, "alice"},
		{"explicit user", []string{"--user", "bob"}, "bob"},
		{"with ttl", []string{"--user", "carol", "--ttl", "1h"}, "carol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"token", "--config", configPath}, tt.args...)...)
			require.NoError(t, err)

			user, err := chat.ParseToken(strings.TrimSpace(out), "dev-secret")
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
		})
	}
}

func TestSignUserToken_RequiresSecret(t *testing.T) {
	_, err := signUserToken("", "alice", &tokenOptions{ttl: time.Hour})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret")
}

func TestMigrateCommand(t *testing.T) {
	setupTestEnv(t)
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	_, err := execute(t, "migrate", "version", "--db", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database file not found")

	out, err := execute(t, "migrate", "up", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	out, err = execute(t, "migrate", "version", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	out, err = execute(t, "migrate", "down", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)
}

func TestMigrateCommand_UsesConfiguredPath(t *testing.T) {
	setupTestEnv(t)
	dbPath := filepath.Join(t.TempDir(), "configured.db")
	configPath := writeTestConfig(t, dbPath)

	out, err := execute(t, "migrate", "up", "--config", configPath)
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestMigrateCommand_RejectsTraversal(t *testing.T) {
	_, err := execute(t, "migrate", "up", "--db", "../../etc/cache.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database path")
}

func TestRunServe_InvalidConfig(t *testing.T) {
	setupTestEnv(t)
	err := runServe(t.Context(), &rootOptions{configPath: filepath.Join(t.TempDir(), "missing.json")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
