package mcpclient

// ServerConfig describes one MCP server whose tools are offered to the
// remote agent as platform functions.
type ServerConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Transport  string            `json:"transport" yaml:"transport"`
	Command    string            `json:"command" yaml:"command"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dir        string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	InheritEnv *bool             `json:"inherit_env,omitempty" yaml:"inherit_env,omitempty"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Disabled   bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}
