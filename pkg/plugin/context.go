package plugin

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pluginhost/pkg/event"
	"pluginhost/pkg/logging"
	"pluginhost/pkg/platform"
)

// Context is what a plugin sees of the host: its resolved configuration,
// an API client scoped to its identity, the event bus, and the optional
// database and filesystem capabilities its manifest requested.
type Context struct {
	PluginID string

	// Config is the plugin's resolved settings: manifest defaults,
	// persisted settings and host overrides merged in that order, with
	// secret references already resolved.
	Config map[string]interface{}

	API    *APIClient
	Events event.Bus

	// DB is non-nil only when the manifest requires "database.query".
	DB *Database

	// FS is rooted at the plugin's private storage directory.
	FS platform.FileSystemProvider

	Logger logging.Logger
}

// HasCapability reports whether the plugin was granted the capability.
func (c *Context) HasCapability(capability string) bool {
	if c.API == nil {
		return false
	}
	return c.API.HasCapability(capability)
}

// APIClient authenticates a plugin's calls into the host API. The token is
// an HS256 JWT whose subject is the plugin id and whose claims carry the
// granted capabilities.
type APIClient struct {
	pluginID     string
	token        string
	capabilities []string
	expiresAt    time.Time
}

func NewAPIClient(signingKey []byte, pluginID string, capabilities []string, ttl time.Duration) (*APIClient, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := jwt.MapClaims{
		"sub":          pluginID,
		"capabilities": capabilities,
		"iat":          now.Unix(),
		"exp":          expiresAt.Unix(),
		"iss":          "pluginhost",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign plugin token: %w", err)
	}

	return &APIClient{
		pluginID:     pluginID,
		token:        token,
		capabilities: append([]string(nil), capabilities...),
		expiresAt:    expiresAt,
	}, nil
}

func (c *APIClient) PluginID() string     { return c.pluginID }
func (c *APIClient) Token() string        { return c.token }
func (c *APIClient) ExpiresAt() time.Time { return c.expiresAt }

func (c *APIClient) Capabilities() []string {
	return append([]string(nil), c.capabilities...)
}

func (c *APIClient) HasCapability(capability string) bool {
	for _, granted := range c.capabilities {
		if granted == capability {
			return true
		}
	}
	return false
}

// VerifyToken checks a plugin token on the host side and returns the
// plugin id and granted capabilities.
func VerifyToken(signingKey []byte, tokenString string) (string, []string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, fmt.Errorf("invalid claims")
	}
	pluginID, _ := claims["sub"].(string)
	if pluginID == "" {
		return "", nil, fmt.Errorf("token has no subject")
	}

	var capabilities []string
	if raw, ok := claims["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				capabilities = append(capabilities, s)
			}
		}
	}
	return pluginID, capabilities, nil
}

// mergeSettings layers maps left to right, later maps winning per key.
func mergeSettings(layers ...map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// settingsDefaults extracts default values from a manifest settings
// schema. Both a top-level "properties" block and a flat map of property
// definitions are accepted.
func settingsDefaults(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	props := schema
	if p, ok := schema["properties"].(map[string]interface{}); ok {
		props = p
	}
	defaults := make(map[string]interface{})
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if def, ok := prop["default"]; ok {
			defaults[name] = def
		}
	}
	return defaults
}
