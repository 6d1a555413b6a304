package mcpclient

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"agentchat/internal/platform"
)

// Runtime keeps MCP server sessions open and their tools registered on a
// platform bridge. Reload swaps the whole set.
type Runtime struct {
	mu      sync.RWMutex
	bridge  *platform.Bridge
	servers []*Server
	tools   []*MCPTool
	names   []string

	connect func(ctx context.Context, configs []ServerConfig) ([]*Server, error)
}

type ReloadReport struct {
	Servers  int
	Tools    int
	Warnings []string
}

func NewRuntime(bridge *platform.Bridge) *Runtime {
	return &Runtime{bridge: bridge, connect: ConnectServers}
}

// Reload connects configs, registers their tools as platform functions and
// closes the previous sessions. Functions from the previous set that are
// gone are unregistered.
func (r *Runtime) Reload(ctx context.Context, configs []ServerConfig) (ReloadReport, error) {
	report := ReloadReport{}

	enabled := 0
	for _, cfg := range configs {
		if !cfg.Disabled {
			enabled++
		}
	}

	servers, connectErr := r.connect(ctx, configs)
	tools, toolsErr := ToolsFromServers(servers)

	if enabled > 0 && len(servers) == 0 {
		_ = CloseServers(servers)
		if connectErr != nil {
			return report, fmt.Errorf("mcp reload failed: no servers connected (%v)", connectErr)
		}
		return report, fmt.Errorf("mcp reload failed: no servers connected")
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		names = append(names, tool.LocalName)
	}

	warnings := make([]string, 0, 3)
	if connectErr != nil {
		warnings = append(warnings, connectErr.Error())
	}
	if toolsErr != nil {
		warnings = append(warnings, toolsErr.Error())
	}

	r.mu.Lock()
	oldServers := r.servers
	oldNames := r.names
	r.servers = servers
	r.tools = tools
	r.names = names
	r.mu.Unlock()

	if r.bridge != nil {
		r.bridge.UnregisterMany(oldNames)
		for _, tool := range tools {
			if tool != nil {
				r.bridge.Register(tool.LocalName, tool)
			}
		}
	}

	if err := CloseServers(oldServers); err != nil {
		warnings = append(warnings, fmt.Sprintf("close previous sessions: %v", err))
	}

	report.Servers = len(servers)
	report.Tools = len(tools)
	report.Warnings = warnings
	return report, nil
}

func (r *Runtime) Tools() []*MCPTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MCPTool, len(r.tools))
	copy(out, r.tools)
	return out
}

func (r *Runtime) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Close unregisters every tool and closes the server sessions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	oldServers := r.servers
	oldNames := r.names
	r.servers = nil
	r.tools = nil
	r.names = nil
	r.mu.Unlock()
	if r.bridge != nil {
		r.bridge.UnregisterMany(oldNames)
	}
	return CloseServers(oldServers)
}

func (r ReloadReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mcp reload complete: servers=%d tools=%d", r.Servers, r.Tools)
	if len(r.Warnings) > 0 {
		b.WriteString("\nwarnings:")
		for _, warn := range r.Warnings {
			b.WriteString("\n- ")
			b.WriteString(warn)
		}
	}
	return b.String()
}
