package inventory

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// MCPLister speaks MCP over streamable HTTP to an alias listener.
type MCPLister struct {
	host    string
	timeout time.Duration
	version string
	logger  *zap.Logger
}

func NewMCPLister(version string, timeout time.Duration, logger *zap.Logger) *MCPLister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MCPLister{host: "127.0.0.1", timeout: timeout, version: version, logger: logger}
}

// URL is the MCP endpoint of the listener for alias on port.
func (l *MCPLister) URL(alias string, port int) string {
	return "http://" + net.JoinHostPort(l.host, strconv.Itoa(port)) + "/v1/" + alias + "/"
}

func (l *MCPLister) List(ctx context.Context, alias string, port int) (Listing, error) {
	return l.ListURL(ctx, l.URL(alias, port))
}

// ListURL initializes a session against endpoint and lists everything the
// server advertises. Capabilities it does not advertise come back empty.
func (l *MCPLister) ListURL(ctx context.Context, endpoint string) (Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	c, err := client.NewStreamableHttpClient(endpoint, transport.WithHTTPTimeout(l.timeout))
	if err != nil {
		return Listing{}, fmt.Errorf("create mcp client: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return Listing{}, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcpgate-inventory", Version: l.version}
	res, err := c.Initialize(ctx, initReq)
	if err != nil {
		return Listing{}, fmt.Errorf("initialize: %w", err)
	}

	listing := emptyListing()
	caps := res.Capabilities

	if caps.Tools != nil {
		tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			l.logger.Debug("list tools failed", zap.String("endpoint", endpoint), zap.Error(err))
		} else {
			for _, t := range tools.Tools {
				listing.Tools = append(listing.Tools, Tool{Name: t.Name, Description: t.Description})
			}
		}
	}

	if caps.Prompts != nil {
		prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			l.logger.Debug("list prompts failed", zap.String("endpoint", endpoint), zap.Error(err))
		} else {
			for _, p := range prompts.Prompts {
				listing.Prompts = append(listing.Prompts, Prompt{Name: p.Name, Description: p.Description})
			}
		}
	}

	if caps.Resources != nil {
		resources, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			l.logger.Debug("list resources failed", zap.String("endpoint", endpoint), zap.Error(err))
		} else {
			for _, r := range resources.Resources {
				listing.Resources = append(listing.Resources, Resource{
					URI:         r.URI,
					Name:        r.Name,
					Description: r.Description,
					MIMEType:    r.MIMEType,
				})
			}
		}
	}

	return listing, nil
}
