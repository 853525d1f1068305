// Package relay implements the room-keyed publish/subscribe forwarder
// two parties use to find each other and exchange negotiation envelopes.
// It forwards; it never interprets or stores payload content.
package relay

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v3"

	"github.com/peerchat/peerchat/pkg/logger"
)

var log = logger.GetLogger().WithName("relay")

// RootConfig is the root config read in from config.toml.
type RootConfig struct {
	Relay  RelayConfig
	Client ClientConfig
}

// RelayConfig holds the listener settings for the relay server.
type RelayConfig struct {
	FQDN     string
	Key      string
	Cert     string
	HTTPAddr string
	Auth     AuthConfig
}

// Endpoint is the public websocket base URL clients should dial.
func (c *RelayConfig) Endpoint() string {
	port := strings.Split(c.HTTPAddr, ":")[1]
	if c.Key != "" && c.Cert != "" {
		return fmt.Sprintf("wss://%v:%v", c.FQDN, port)
	}
	return fmt.Sprintf("ws://%v:%v", c.FQDN, port)
}

// AuthConfig params for JWT token authentication on room subscriptions.
type AuthConfig struct {
	Enabled bool
	Key     string
	KeyType string
}

func (a AuthConfig) keyFunc(t *jwt.Token) (interface{}, error) {
	switch a.KeyType {
	// TODO: support asymmetric keys once a deployment needs them
	default:
		return []byte(a.Key), nil
	}
}

// ICEServerConfig mirrors one entry of the client's ICE server list.
type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// RedisConfig selects the optional redis-backed client store.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClientConfig holds the settings the chat client needs.
type ClientConfig struct {
	RelayURL   string
	Room       string
	Name       string
	Token      string
	ICEServers []ICEServerConfig `mapstructure:"iceservers"`
	Redis      RedisConfig
}

// WebRTCConfiguration assembles the pion configuration from the
// configured ICE servers, defaulting to a public STUN entry.
func (c *ClientConfig) WebRTCConfiguration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs: []string{"stun:stun.l.google.com:19302"},
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
