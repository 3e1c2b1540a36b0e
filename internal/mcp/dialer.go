// ABOUTME: Streamable HTTP MCP sessions built on the official Go SDK
// ABOUTME: Adds bearer and configured headers to every request via a RoundTripper

package mcp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientVersion is reported to servers during initialization.
const clientVersion = "1.0.0"

// Session is a live connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context) ([]string, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens sessions to MCP servers.
type Dialer interface {
	Dial(ctx context.Context, serverURL, bearerToken string) (Session, error)
}

// SDKDialer dials with the go-sdk streamable HTTP client transport.
type SDKDialer struct {
	headers    map[string]string
	httpClient *http.Client
}

// NewSDKDialer creates a dialer that sends headers on every request.
// A nil httpClient uses http.DefaultClient's transport.
func NewSDKDialer(headers map[string]string, httpClient *http.Client) *SDKDialer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SDKDialer{headers: maps.Clone(headers), httpClient: httpClient}
}

// Dial connects to serverURL and completes the MCP handshake.
func (d *SDKDialer) Dial(ctx context.Context, serverURL, bearerToken string) (Session, error) {
	base := d.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	headers := maps.Clone(d.headers)
	if headers == nil {
		headers = map[string]string{}
	}
	if bearerToken != "" {
		headers["Authorization"] = "Bearer " + bearerToken
	}

	client := *d.httpClient
	client.Transport = &headerTransport{base: base, headers: headers}

	c := sdk.NewClient(&sdk.Implementation{Name: "chatgate", Version: clientVersion}, nil)
	cs, err := c.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:   serverURL,
		HTTPClient: &client,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	return &sdkSession{cs: cs}, nil
}

// headerTransport sets fixed headers on each outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

type sdkSession struct {
	cs *sdk.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) ([]string, error) {
	var names []string
	params := &sdk.ListToolsParams{}
	for {
		res, err := s.cs.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, tool := range res.Tools {
			if tool != nil && tool.Name != "" {
				names = append(names, tool.Name)
			}
		}
		if res.NextCursor == "" {
			return names, nil
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.cs.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, content := range res.Content {
		if text, ok := content.(*sdk.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if res.IsError {
		msg := b.String()
		if msg == "" {
			msg = "tool reported an error"
		}
		return "", errors.New(msg)
	}
	return b.String(), nil
}

func (s *sdkSession) Close() error {
	return s.cs.Close()
}
