package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"agentchat/internal/appinfo"
)

// NowHandler answers with the host clock.
func NowHandler(now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		ts := now()
		return map[string]any{
			"time":     ts.Format(time.RFC3339),
			"unix":     ts.Unix(),
			"timezone": ts.Location().String(),
		}, nil
	})
}

// EnvHandler exposes whitelisted environment variables. Parameters:
// {"names": ["A", "B"]}; names outside the whitelist are rejected.
func EnvHandler(allowed []string, lookup func(string) (string, bool)) Handler {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if n := strings.TrimSpace(name); n != "" {
			allow[n] = true
		}
	}
	return HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Names []string `json:"names"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		out := make(map[string]string, len(req.Names))
		for _, name := range req.Names {
			name = strings.TrimSpace(name)
			if !allow[name] {
				return nil, fmt.Errorf("environment variable %q is not exposed", name)
			}
			if v, ok := lookup(name); ok {
				out[name] = v
			}
		}
		return out, nil
	})
}

// HostInfoHandler describes the embedding client.
func HostInfoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, params json.RawMessage) (any, error) {
		info := map[string]any{
			"app":  appinfo.Display(),
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
		}
		if host, _ := os.Hostname(); strings.TrimSpace(host) != "" {
			info["hostname"] = strings.TrimSpace(host)
		}
		return info, nil
	})
}
