package pulsarutils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	commonconfig "github.com/G-Research/jobtracker/internal/common/config"
)

func TestCreatePulsarClientHappyPath(t *testing.T) {
	cwd, _ := os.Executable() // Need a valid file for tokens and certs

	config := &commonconfig.PulsarConfig{
		URL:                        "pulsar://pulsarhost:50000",
		TLSTrustCertsFilePath:      cwd,
		TLSAllowInsecureConnection: true,
		TLSValidateHostname:        true,
		MaxConnectionsPerBroker:    100,
		AuthenticationEnabled:      true,
		AuthenticationType:         "JWT",
		JwtTokenPath:               cwd,
	}
	_, err := NewPulsarClient(config)
	assert.NoError(t, err)

	config = &commonconfig.PulsarConfig{
		URL:                     "pulsar://pulsarhost:50000",
		MaxConnectionsPerBroker: 100,
	}
	_, err = NewPulsarClient(config)
	assert.NoError(t, err)
}

func TestCreatePulsarClientInvalidAuth(t *testing.T) {
	tests := map[string]*commonconfig.PulsarConfig{
		"no auth type":      {AuthenticationEnabled: true},
		"invalid auth type": {AuthenticationEnabled: true, AuthenticationType: "INVALID"},
		"no token":          {AuthenticationEnabled: true, AuthenticationType: "JWT"},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewPulsarClient(config)
			assert.Error(t, err)
		})
	}
}
