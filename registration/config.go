package registration

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config describes the application registering against a broker. Defaults
// can be loaded via envdecode.
type Config struct {
	// BrokerURL is the base URL of the broker's environment provider,
	// like "https://broker.example/api". ENV: BROKER_URL
	BrokerURL string `env:"BROKER_URL,required"`

	// ApplicationKey identifies the application to the broker. ENV: BROKER_APPLICATION_KEY
	ApplicationKey string `env:"BROKER_APPLICATION_KEY,required"`

	// SharedSecret is the pre-arranged secret for the application key. ENV: BROKER_SHARED_SECRET
	SharedSecret string `env:"BROKER_SHARED_SECRET,required"`

	// AuthenticationMethod selects the token scheme: "Basic" or
	// "SIF_HMACSHA256". ENV: BROKER_AUTH_METHOD
	AuthenticationMethod string `env:"BROKER_AUTH_METHOD,default=Basic"`

	// ConsumerName is the human-readable name recorded in the negotiated
	// environment. ENV: BROKER_CONSUMER_NAME
	ConsumerName string `env:"BROKER_CONSUMER_NAME,default=GoConsumer"`

	// Optional identity dimensions. Empty means "not part of this
	// application's identity", which matches differently from any set
	// value.
	SolutionID string `env:"BROKER_SOLUTION_ID"`
	UserToken  string `env:"BROKER_USER_TOKEN"`
	InstanceID string `env:"BROKER_INSTANCE_ID"`

	// DataModelNamespace and SupportedVersion describe the dialect the
	// application speaks; they ride along in the environment template.
	DataModelNamespace string `env:"BROKER_DATA_MODEL_NAMESPACE"`
	SupportedVersion   string `env:"BROKER_INFRA_VERSION,default=3.2.1"`

	// DeleteOnUnregister makes Unregister tear down the remote environment
	// unless the call overrides it. ENV: BROKER_DELETE_ON_UNREGISTER
	DeleteOnUnregister bool `env:"BROKER_DELETE_ON_UNREGISTER,default=false"`

	// HTTPTimeout bounds each negotiation call. ENV: BROKER_HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"BROKER_HTTP_TIMEOUT,default=30s"`
}

// ConfigFromEnv builds a Config from the environment via envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("registration config: %w", err)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.BrokerURL == "" {
		return fmt.Errorf("BrokerURL is required")
	}
	if cfg.ApplicationKey == "" {
		return fmt.Errorf("ApplicationKey is required")
	}
	if cfg.SharedSecret == "" {
		return fmt.Errorf("SharedSecret is required")
	}
	return nil
}
