package mcp

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// Client manages connections to external MCP servers whose tools are offered
// to the chat agent next to the built-in ones
type Client struct {
	servers map[string]*remoteServer
}

type remoteServer struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// ServerConfig represents configuration for a single external MCP server
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   []string          `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// Config is the external MCP server configuration file
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// NewClient creates a new MCP client
func NewClient() *Client {
	return &Client{
		servers: make(map[string]*remoteServer),
	}
}

// Connect connects to an MCP server with the given configuration
func (c *Client) Connect(ctx context.Context, cfg ServerConfig) error {
	var transport mcp.Transport
	switch cfg.Transport {
	case "stdio":
		if len(cfg.Command) == 0 {
			return goerr.Wrap(model.ErrConfigurationMissing, "command is required for stdio transport", goerr.V("server", cfg.Name))
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcp.CommandTransport{Command: cmd}

	case "http":
		if cfg.URL == "" {
			return goerr.Wrap(model.ErrConfigurationMissing, "url is required for http transport", goerr.V("server", cfg.Name))
		}
		transport = &mcp.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return goerr.Wrap(model.ErrInvalidArgument, "unsupported transport",
			goerr.V("transport", cfg.Transport),
			goerr.V("supported", []string{"stdio", "http"}))
	}

	return c.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport connects to an MCP server over an already built transport
func (c *Client) ConnectTransport(ctx context.Context, name string, transport mcp.Transport) error {
	if _, exists := c.servers[name]; exists {
		return goerr.Wrap(model.ErrInvalidArgument, "server already connected", goerr.V("name", name))
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to connect to MCP server", goerr.V("server", name))
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return goerr.Wrap(err, "failed to list tools", goerr.V("server", name))
	}

	c.servers[name] = &remoteServer{
		name:    name,
		session: session,
		tools:   toolsResult.Tools,
	}
	return nil
}

// Tools returns all tools of a connected server
func (c *Client) Tools(name string) ([]*mcp.Tool, error) {
	srv, exists := c.servers[name]
	if !exists {
		return nil, goerr.Wrap(model.ErrNotFound, "server not found", goerr.V("name", name))
	}
	return srv.tools, nil
}

// Servers returns names of all connected servers in sorted order
func (c *Client) Servers() []string {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool calls a tool on a specific server
func (c *Client) CallTool(ctx context.Context, server, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	srv, exists := c.servers[server]
	if !exists {
		return nil, goerr.Wrap(model.ErrNotFound, "server not found", goerr.V("name", server))
	}

	result, err := srv.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call tool",
			goerr.V("server", server),
			goerr.V("tool", toolName))
	}
	return result, nil
}

// Close closes all MCP server connections
func (c *Client) Close() error {
	for name, srv := range c.servers {
		if err := srv.session.Close(); err != nil {
			return goerr.Wrap(err, "failed to close session", goerr.V("server", name))
		}
	}
	c.servers = make(map[string]*remoteServer)
	return nil
}

// LoadConfig reads the external server configuration file
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve config path", goerr.V("path", path))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read MCP config file", goerr.V("path", absPath))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "failed to parse MCP config file",
			goerr.V("path", absPath), goerr.V("cause", err.Error()))
	}
	return &cfg, nil
}

// LoadAndConnect connects to every configured server. Servers that fail to
// connect are skipped with a warning. It returns nil when nothing connected.
func LoadAndConnect(ctx context.Context, configPath string) (*Provider, error) {
	if configPath == "" {
		return nil, nil
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.From(ctx)
	client := NewClient()
	for _, serverCfg := range cfg.Servers {
		if err := client.Connect(ctx, serverCfg); err != nil {
			logger.Warn("failed to connect to MCP server", "server", serverCfg.Name, logging.ErrAttr(err))
			continue
		}
		logger.Info("connected to MCP server", "server", serverCfg.Name)
	}

	if len(client.Servers()) == 0 {
		return nil, nil
	}
	return NewProvider(client)
}
