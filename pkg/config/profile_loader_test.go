package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfile_EU(t *testing.T) {
	p, err := LoadProfile("profiles", "EU")
	require.NoError(t, err)

	assert.Equal(t, "eu", p.Code)
	assert.Equal(t, "enforce", p.ClosePolicy)
	assert.Equal(t, 45*time.Second, p.LegTimeout.Duration)
	assert.Equal(t, "ENISA_CLIENT_SECRET", p.ENISA.SecretEnv)
	assert.Contains(t, p.CSIRTs, "DE", "country codes are upper-cased")
	assert.Nil(t, p.Fallback)
}

func TestLoadAllProfiles(t *testing.T) {
	profiles, err := LoadAllProfiles("profiles")
	require.NoError(t, err)
	require.Contains(t, profiles, "eu")
	require.Contains(t, profiles, "dev")
	assert.True(t, profiles["dev"].ENISA.Loopback)
	for code, p := range profiles {
		assert.NotEmpty(t, p.Name, code)
	}
}

func TestLoadRegulatorProfile_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing url":    "enisa: {}\n",
		"bad scheme":     "enisa: {url: ftp://x}\n",
		"bad country":    "enisa: {loopback: true}\ncsirts:\n  deu: {loopback: true}\n",
		"bad policy":     "enisa: {loopback: true}\nclose_policy: maybe\n",
		"bad duration":   "enisa: {loopback: true}\nleg_timeout: soon\n",
		"negative leg":   "enisa: {loopback: true}\nleg_timeout: -1s\n",
		"bad fallback":   "enisa: {loopback: true}\nfallback_csirt: {}\n",
		"not a document": "enisa: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "profile_x.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadRegulatorProfile(path)
			assert.Error(t, err)
		})
	}
}

func TestEndpointSecret(t *testing.T) {
	t.Setenv("TEST_CSIRT_SECRET", "s3cret")
	assert.Equal(t, "s3cret", Endpoint{SecretEnv: "TEST_CSIRT_SECRET"}.Secret())
	assert.Empty(t, Endpoint{}.Secret())
}

func TestLoopbackProfile(t *testing.T) {
	p := LoopbackProfile()
	require.NoError(t, p.Validate())
	assert.True(t, p.Fallback.Loopback)
}
