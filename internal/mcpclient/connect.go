package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentchat/internal/appinfo"
)

type Server struct {
	Config  ServerConfig
	Session *mcp.ClientSession
	Tools   []*mcp.Tool
}

func (s *Server) Close() error {
	if s == nil || s.Session == nil {
		return nil
	}
	return s.Session.Close()
}

type transportFunc func(cfg ServerConfig) (mcp.Transport, error)

// ConnectServers connects every enabled server and lists its tools. Servers
// that fail are skipped and reported together in the returned error.
func ConnectServers(ctx context.Context, configs []ServerConfig) ([]*Server, error) {
	return connectWith(ctx, configs, transportFromConfig)
}

func connectWith(ctx context.Context, configs []ServerConfig, newTransport transportFunc) ([]*Server, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	version := appinfo.Version
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    appinfo.Name,
		Version: version,
	}, nil)

	servers := make([]*Server, 0, len(configs))
	errs := make([]string, 0)
	seen := make(map[string]bool)

	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			errs = append(errs, "server name is required")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("duplicate server name: %s", name))
			continue
		}
		seen[name] = true

		transport, err := newTransport(cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s connect: %v", name, err))
			continue
		}

		tools, err := listAllTools(ctx, session)
		if err != nil {
			_ = session.Close()
			errs = append(errs, fmt.Sprintf("%s list tools: %v", name, err))
			continue
		}

		servers = append(servers, &Server{Config: cfg, Session: session, Tools: tools})
	}

	if len(errs) > 0 {
		return servers, fmt.Errorf("mcp: %s", strings.Join(errs, "; "))
	}
	return servers, nil
}

func CloseServers(servers []*Server) error {
	if len(servers) == 0 {
		return nil
	}
	errs := make([]string, 0)
	for _, server := range servers {
		if server == nil {
			continue
		}
		if err := server.Close(); err != nil {
			name := strings.TrimSpace(server.Config.Name)
			if name == "" {
				name = "(unknown)"
			}
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func listAllTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	tools := make([]*mcp.Tool, 0)
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

func transportFromConfig(cfg ServerConfig) (mcp.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "command", "stdio":
		return commandTransport(cfg)
	case "sse":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for sse transport")
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient(cfg.Headers)}, nil
	case "streamable_http", "streamable", "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for streamable_http transport")
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient(cfg.Headers)}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

func commandTransport(cfg ServerConfig) (mcp.Transport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("command is required for stdio transport")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		cmd.Dir = dir
	}
	inherit := cfg.InheritEnv == nil || *cfg.InheritEnv
	cmd.Env = commandEnv(inherit, os.Environ(), cfg.Env)
	return &mcp.CommandTransport{Command: cmd}, nil
}

// commandEnv builds the child environment. Configured values replace
// inherited ones with the same name; output is sorted for stable logs.
func commandEnv(inherit bool, base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	if inherit {
		for _, kv := range base {
			k, v, ok := strings.Cut(kv, "=")
			if ok && k != "" {
				merged[k] = v
			}
		}
	}
	for k, v := range overrides {
		if k = strings.TrimSpace(k); k != "" {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		// An empty non-nil Env keeps exec from falling back to os.Environ.
		return []string{}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// headerRoundTripper adds configured headers and the client user agent to
// every MCP HTTP request that does not already set them.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	for k, vs := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header[k] = append([]string(nil), vs...)
		}
	}
	return base.RoundTrip(req)
}

func httpClient(headers map[string]string) *http.Client {
	h := http.Header{}
	for k, v := range headers {
		if strings.TrimSpace(k) != "" {
			h.Set(k, v)
		}
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", appinfo.UserAgent())
	}
	return &http.Client{Transport: &headerRoundTripper{base: http.DefaultTransport, headers: h}}
}
