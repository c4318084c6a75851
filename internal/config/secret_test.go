package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecretRedactsOnPrint(t *testing.T) {
	s := Secret("super-secret-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))

	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, `""`, fmt.Sprintf("%#v", Secret("")))
}

func TestSecretRedactsInEncodings(t *testing.T) {
	s := Secret("super-secret-key")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	out, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(out), "[REDACTED]")
}

func TestSecretValueStillAccessible(t *testing.T) {
	s := Secret("super-secret-key")
	assert.Equal(t, "super-secret-key", string(s))
}
