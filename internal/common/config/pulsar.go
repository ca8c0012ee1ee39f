package config

import (
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/G-Research/jobtracker/internal/common/trackererrors"
)

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Timeout for a single Receive call before the consumer loop checks for shutdown
	ReceiveTimeout time.Duration
	// Time to wait before retrying after a failed Receive
	BackoffTime time.Duration
	// Subscription type shared by all tracker subscriptions. Valid values are "Shared", "Failover", "KeyShared". Default "Shared"
	SubscriptionType pulsar.SubscriptionType
	// Compression to use for produced messages. Valid values are "None", "LZ4", "Zlib", "Zstd". Default "None"
	CompressionType pulsar.CompressionType
	// Compression Level to use for produced messages. Valid values are "Default", "Better", "Faster". Default "Default"
	CompressionLevel pulsar.CompressionLevel
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	default:
		return pulsar.NoCompression, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "pulsar.CompressionType",
			Value:   compressionType,
			Message: "Unknown Pulsar compression type",
		})
	}
}

func ParsePulsarCompressionLevel(compressionLevel string) (pulsar.CompressionLevel, error) {
	switch strings.ToLower(compressionLevel) {
	case "", "default":
		return pulsar.Default, nil
	case "faster":
		return pulsar.Faster, nil
	case "better":
		return pulsar.Better, nil
	default:
		return pulsar.Default, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "pulsar.CompressionLevel",
			Value:   compressionLevel,
			Message: "Unknown Pulsar compression level",
		})
	}
}

func ParsePulsarSubscriptionType(subscriptionType string) (pulsar.SubscriptionType, error) {
	switch strings.ToLower(subscriptionType) {
	case "", "shared":
		return pulsar.Shared, nil
	case "failover":
		return pulsar.Failover, nil
	case "keyshared", "key_shared":
		return pulsar.KeyShared, nil
	case "exclusive":
		return pulsar.Exclusive, nil
	default:
		return pulsar.Shared, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "pulsar.SubscriptionType",
			Value:   subscriptionType,
			Message: "Unknown Pulsar subscription type",
		})
	}
}
