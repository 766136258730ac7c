package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("CREDENTIAL_ROBOT_PUSH_TOKEN", "abc")
	t.Setenv("CREDENTIAL_ROBOT_PUSH_USERNAME", "svc")

	cred, err := EnvProvider{}.GetCredential(context.Background(), "robot-push")
	require.NoError(t, err)
	assert.Equal(t, "abc", cred["token"])
	assert.Equal(t, "svc", cred["username"])

	_, err = EnvProvider{}.GetCredential(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestStaticProvider(t *testing.T) {
	p := NewStatic(map[string]map[string]string{
		"vault-login": {"password": "pw"},
	})

	cred, err := p.GetCredential(context.Background(), "vault-login")
	require.NoError(t, err)
	assert.Equal(t, "pw", cred["password"])

	// Returned maps are copies.
	cred["password"] = "mutated"
	again, _ := p.GetCredential(context.Background(), "vault-login")
	assert.Equal(t, "pw", again["password"])

	p.Set("other", map[string]string{"token": "t"})
	_, err = p.GetCredential(context.Background(), "other")
	assert.NoError(t, err)
}
