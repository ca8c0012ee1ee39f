package config

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookedConfig struct {
	Timeout          time.Duration
	SubscriptionType pulsar.SubscriptionType
	CompressionType  pulsar.CompressionType
	CompressionLevel pulsar.CompressionLevel
}

func decodeWithHooks(t *testing.T, input map[string]interface{}) (hookedConfig, error) {
	var out hookedConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			PulsarCompressionTypeHookFunc(),
			PulsarCompressionLevelHookFunc(),
			PulsarSubscriptionTypeHookFunc(),
		),
		Result: &out,
	})
	require.NoError(t, err)
	return out, decoder.Decode(input)
}

func TestHooks(t *testing.T) {
	out, err := decodeWithHooks(t, map[string]interface{}{
		"timeout":          "5s",
		"subscriptionType": "KeyShared",
		"compressionType":  "Zstd",
		"compressionLevel": "Better",
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, out.Timeout)
	assert.Equal(t, pulsar.KeyShared, out.SubscriptionType)
	assert.Equal(t, pulsar.ZSTD, out.CompressionType)
	assert.Equal(t, pulsar.Better, out.CompressionLevel)
}

func TestHooks_InvalidValue(t *testing.T) {
	_, err := decodeWithHooks(t, map[string]interface{}{"compressionType": "gzip"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	type withRequired struct {
		Interval time.Duration `validate:"required"`
	}
	assert.Error(t, Validate(withRequired{}))
	assert.NoError(t, Validate(withRequired{Interval: time.Second}))
}
