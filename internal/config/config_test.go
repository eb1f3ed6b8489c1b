package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/wireit-sub001/internal/script"
)

func TestStaticResolverReturnsConfiguredScript(t *testing.T) {
	ref := script.Reference{PackageDir: ".", Name: "build"}
	resolver := StaticResolver{
		ref: {Reference: ref, Command: "true"},
	}

	cfg, err := resolver.ScriptConfig(ref)
	require.NoError(t, err)
	assert.Equal(t, "true", cfg.Command)
}

func TestStaticResolverReturnsErrUnknownScript(t *testing.T) {
	resolver := StaticResolver{}
	ref := script.Reference{PackageDir: ".", Name: "missing"}

	_, err := resolver.ScriptConfig(ref)
	require.Error(t, err)

	var unknown *ErrUnknownScript
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ref, unknown.Reference)
}
