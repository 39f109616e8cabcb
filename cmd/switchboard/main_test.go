// ABOUTME: Tests for the switchboard command helpers
// ABOUTME: Covers token issuing and address handling

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conn"
)

const secret = "cmd-test-secret-0123456789"

func setupEnv(t *testing.T) {
	t.Setenv("SWITCHBOARD_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SWITCHBOARD_AUTH_JWT_SECRET", secret)
}

func TestRunToken_IssuesVerifiableToken(t *testing.T) {
	setupEnv(t)

	var out bytes.Buffer
	err := runToken([]string{
		"--role", "operator", "--id", "op-1", "--username", "ripley",
		"--name", "Ellen Ripley", "--picture", "https://example.com/r.png",
	}, &out)
	require.NoError(t, err)

	token := strings.TrimSpace(out.String())
	id, err := auth.NewJWTAuthenticator([]byte(secret)).Authenticate(context.Background(), conn.RoleOperator, token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", id.ID)
	assert.Equal(t, "Ellen Ripley", id.DisplayName)
}

func TestRunToken_CustomerGetsSession(t *testing.T) {
	setupEnv(t)

	var out bytes.Buffer
	err := runToken([]string{
		"--role", "customer", "--id", "c-1", "--username", "guest",
		"--name", "Guest", "--picture", "https://example.com/g.png",
	}, &out)
	require.NoError(t, err)

	id, err := auth.NewJWTAuthenticator([]byte(secret)).Authenticate(context.Background(), conn.RoleCustomer, strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.NotEmpty(t, id.SessionID)
}

func TestRunToken_Rejects(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown role", []string{"--role", "admin", "--id", "x"}, "unknown role"},
		{"missing id", []string{"--role", "agent"}, "--id is required"},
		{"incomplete operator", []string{"--role", "operator", "--id", "op-1"}, "keys missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runToken(tt.args, &out)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, out.String())
		})
	}
}

func TestLocalAddr(t *testing.T) {
	assert.Equal(t, "localhost:8080", localAddr(":8080"))
	assert.Equal(t, "10.0.0.1:8080", localAddr("10.0.0.1:8080"))
}
