package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
)

// SecurityPolicy bounds what a single plugin may declare and run with.
// Checksums pins artifact digests by file name; an empty map means no
// pinning.
type SecurityPolicy struct {
	PluginID           string
	AllowedPermissions []string
	Checksums          map[string]string
}

// SecurityManager enforces per-plugin policies before anything is loaded.
// Without an explicit policy a plugin is allowed exactly the permissions
// its manifest declares.
type SecurityManager struct {
	mu       sync.RWMutex
	policies map[string]*SecurityPolicy
	digests  map[string]string
}

func NewSecurityManager() *SecurityManager {
	return &SecurityManager{
		policies: make(map[string]*SecurityPolicy),
		digests:  make(map[string]string),
	}
}

func (sm *SecurityManager) SetPolicy(policy *SecurityPolicy) error {
	if policy.PluginID == "" {
		return fmt.Errorf("policy needs a plugin id")
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.policies[policy.PluginID] = policy
	return nil
}

func (sm *SecurityManager) policy(pluginID string) *SecurityPolicy {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.policies[pluginID]
}

// CheckInstallation verifies the installation's declared permissions
// against the plugin's policy and any pinned artifact checksums.
func (sm *SecurityManager) CheckInstallation(inst *Installation) error {
	if inst.Manifest == nil {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, inst.PluginID)
	}
	policy := sm.policy(inst.PluginID)
	if policy == nil {
		return nil
	}

	allowed := make(map[string]bool, len(policy.AllowedPermissions))
	for _, p := range policy.AllowedPermissions {
		allowed[p] = true
	}
	for _, declared := range inst.Manifest.Permissions {
		if !allowed[declared] {
			return fmt.Errorf("%w: plugin %s declares permission %q outside its policy",
				ErrPermissionDenied, inst.PluginID, declared)
		}
	}

	for name, expected := range policy.Checksums {
		path := inst.Path + string(os.PathSeparator) + name
		if err := sm.VerifyArtifact(inst.PluginID, path, expected); err != nil {
			return err
		}
	}
	return nil
}

// VerifyArtifact hashes the file and compares it to the expected digest.
// The computed digest is recorded either way.
func (sm *SecurityManager) VerifyArtifact(pluginID, path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact for plugin %s: %w", pluginID, err)
	}
	hash := sha256.Sum256(data)
	actual := hex.EncodeToString(hash[:])

	sm.mu.Lock()
	sm.digests[pluginID] = actual
	sm.mu.Unlock()

	if expected != "" && actual != expected {
		return fmt.Errorf("artifact checksum mismatch for plugin %s: expected %s, got %s",
			pluginID, expected, actual)
	}
	return nil
}

// Digest returns the last verified artifact digest for the plugin.
func (sm *SecurityManager) Digest(pluginID string) (string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	digest, exists := sm.digests[pluginID]
	if !exists {
		return "", fmt.Errorf("no verified artifact for plugin %s", pluginID)
	}
	return digest, nil
}
