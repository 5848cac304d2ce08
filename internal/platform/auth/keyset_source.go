package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// LoadHMACKeysetFile reads a rotation keyset from disk. A file with a single
// key may omit active_kid.
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	keys := make(map[string][]byte, len(f.Keys))
	var only string
	for kid, secret := range f.Keys {
		kid = strings.TrimSpace(kid)
		secret = strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		keys[kid] = []byte(secret)
		only = kid
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	active := strings.TrimSpace(f.ActiveKID)
	if active == "" && len(keys) == 1 {
		active = only
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset file", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

// ResolveKeyset prefers the keyset file when one is named and falls back to
// the inline secret or kid:secret list.
func ResolveKeyset(secret, spec, activeKID, file string) (HMACKeyset, error) {
	if strings.TrimSpace(file) != "" {
		return LoadHMACKeysetFile(file)
	}
	return ParseHMACKeyset(secret, spec, activeKID)
}
