package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/kalifun/fleetlink/errors"
)

type Config struct {
	Broker               string        `json:"broker" yaml:"broker"`
	ClientID             string        `json:"clientId" yaml:"client_id"`
	Username             string        `json:"username" yaml:"username"`
	Password             string        `json:"password" yaml:"password"`
	QoS                  byte          `json:"qos" yaml:"qos"`
	CleanSession         bool          `json:"cleanSession" yaml:"clean_session"`
	KeepAlive            uint16        `json:"keepAlive" yaml:"keep_alive"`
	ConnectTimeout       time.Duration `json:"connectTimeout" yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval" yaml:"max_reconnect_interval"`
	AutoReconnect        bool          `json:"autoReconnect" yaml:"auto_reconnect"`
	TLSConfig            *TLSConfig    `json:"tlsConfig,omitempty" yaml:"tls,omitempty"`
	WillMessage          *WillMessage  `json:"willMessage,omitempty" yaml:"will,omitempty"`
}

type TLSConfig struct {
	CAFile   string `json:"caFile" yaml:"ca_file"`
	CertFile string `json:"certFile" yaml:"cert_file"`
	KeyFile  string `json:"keyFile" yaml:"key_file"`
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

type WillMessage struct {
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
	Payload  string `json:"payload" yaml:"payload"`
}

// DefaultConfig returns the settings used for fields a config file leaves out.
func DefaultConfig() Config {
	return Config{
		QoS:                  1,
		CleanSession:         true,
		KeepAlive:            30,
		ConnectTimeout:       30 * time.Second,
		MaxReconnectInterval: 10 * time.Minute,
		AutoReconnect:        true,
	}
}

// validateConfig validates MQTT configuration
func validateConfig(config *Config) error {
	if config.Broker == "" {
		return errors.ConfigurationError.Args("broker URL is required")
	}

	if config.ClientID == "" {
		return errors.ConfigurationError.Args("client ID is required")
	}

	if config.QoS > 2 {
		return errors.ConfigurationError.Args("QoS must be 0, 1, or 2")
	}

	if config.WillMessage != nil && config.WillMessage.Topic == "" {
		return errors.ConfigurationError.Args("will message topic is required")
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 10 * time.Minute
	}
	return nil
}

// build turns the file-based TLS settings into a tls.Config.
func (c *TLSConfig) build() (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: c.Insecure}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.ConfigurationError.Args("read CA file").Wrap(err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.ConfigurationError.Args(fmt.Sprintf("no certificates in %s", c.CAFile))
		}
		tlsConfig.RootCAs = pool
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.ConfigurationError.Args("load client certificate").Wrap(err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
