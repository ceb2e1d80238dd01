package config

import (
	"strings"
)

// secretKeys are masked by `julesbot config list` and `config set`.
var secretKeys = map[string]bool{
	"llm.api_key":             true,
	"bridge.api_key":          true,
	"github.token":            true,
	"telegram.token":          true,
	"telegram.webhook_secret": true,
	"store.redis.password":    true,
	"http.trigger_token":      true,
}

// IsSecretKey reports whether key holds a credential. Keys not declared on
// Config but ending in a credential-like suffix count as secrets too, so a
// hand-added "notify.webhook_token" is never printed in the clear.
func IsSecretKey(key string) bool {
	if secretKeys[key] {
		return true
	}
	leaf := key[strings.LastIndex(key, ".")+1:]
	for _, suffix := range []string{"api_key", "token", "password", "secret"} {
		if strings.HasSuffix(leaf, suffix) {
			return true
		}
	}
	return false
}

// Flatten turns {"store": {"redis": {"addr": "x"}}} into
// {"store.redis.addr": "x"}. Slices are kept as leaf values.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			key := join(prefix, k)
			if child, ok := v.(map[string]any); ok {
				walk(key, child)
				continue
			}
			out[key] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A leaf that collides with a deeper
// key is replaced by a map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets copies flat, replacing non-empty secret strings with "***"
// followed by at most their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, isString := v.(string)
		if !isString || s == "" || !IsSecretKey(k) {
			out[k] = v
			continue
		}
		out[k] = mask(s)
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
