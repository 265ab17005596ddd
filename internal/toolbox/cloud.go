package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/mira/pkg/provider/llm"
)

const (
	defaultListTimeout   = 10 * time.Second
	defaultInvokeTimeout = 40 * time.Second
	maxToolResponseBytes = 1 << 20
)

// CloudParameter describes one parameter of a cloud app tool.
type CloudParameter struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
	Required    bool     `json:"required,omitempty"`
}

// CloudToolSchema is a tool as listed by the device cloud.
type CloudToolSchema struct {
	ID                string                    `json:"id"`
	Description       string                    `json:"description"`
	ActivationPhrases []string                  `json:"activationPhrases,omitempty"`
	Parameters        map[string]CloudParameter `json:"parameters,omitempty"`
	AppPackageName    string                    `json:"appPackageName"`
}

// cloudToolCall is the payload posted to an app's tool webhook.
type cloudToolCall struct {
	ToolID         string         `json:"toolId"`
	ToolParameters map[string]any `json:"toolParameters"`
}

// CloudSource loads the tools of every app a user has installed.
type CloudSource struct {
	client        *http.Client
	listTimeout   time.Duration
	invokeTimeout time.Duration
}

// CloudOption configures a [CloudSource].
type CloudOption func(*CloudSource)

// WithCloudHTTPClient sets the HTTP client used for listing and invoking.
func WithCloudHTTPClient(c *http.Client) CloudOption {
	return func(s *CloudSource) { s.client = c }
}

// WithInvokeTimeout bounds a single tool invocation. Defaults to 40s.
func WithInvokeTimeout(d time.Duration) CloudOption {
	return func(s *CloudSource) { s.invokeTimeout = d }
}

// WithListTimeout bounds the tool listing request. Defaults to 10s.
func WithListTimeout(d time.Duration) CloudOption {
	return func(s *CloudSource) { s.listTimeout = d }
}

// NewCloudSource returns a CloudSource.
func NewCloudSource(opts ...CloudOption) *CloudSource {
	s := &CloudSource{
		client:        &http.Client{},
		listTimeout:   defaultListTimeout,
		invokeTimeout: defaultInvokeTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements Source.
func (s *CloudSource) Name() string { return "cloud" }

// Tools implements Source. Requests without a server URL or user ID yield no
// tools.
func (s *CloudSource) Tools(ctx context.Context, req Request) ([]Tool, error) {
	base := strings.TrimRight(req.ServerURL, "/")
	if base == "" || req.UserID == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.listTimeout)
	defer cancel()

	endpoint := base + "/api/tools/users/" + url.PathEscape(req.UserID) + "/tools"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("toolbox: cloud: build request: %w", err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("toolbox: cloud: list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("toolbox: cloud: list tools: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var schemas []CloudToolSchema
	if err := json.NewDecoder(resp.Body).Decode(&schemas); err != nil {
		return nil, fmt.Errorf("toolbox: cloud: decode tools: %w", err)
	}

	tools := make([]Tool, 0, len(schemas))
	for _, sc := range schemas {
		if sc.ID == "" || sc.AppPackageName == "" {
			continue
		}
		tools = append(tools, s.compile(base, sc))
	}
	return tools, nil
}

func (s *CloudSource) compile(base string, sc CloudToolSchema) Tool {
	desc := sc.Description
	if len(sc.ActivationPhrases) > 0 {
		desc += "\nPossibly activated by phrases like: " + strings.Join(sc.ActivationPhrases, ", ")
	}
	webhook := base + "/api/tools/apps/" + url.PathEscape(sc.AppPackageName) + "/tool"
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        sc.ID,
			Description: desc,
			Parameters:  cloudSchema(sc.Parameters),
		},
		Source: "cloud",
		Handler: func(ctx context.Context, args string) (string, error) {
			return s.invoke(ctx, webhook, sc.ID, args), nil
		},
	}
}

// invoke posts the call to the app webhook. Failures become user-readable
// tool output.
func (s *CloudSource) invoke(ctx context.Context, webhook, toolID, args string) string {
	payload := cloudToolCall{ToolID: toolID, ToolParameters: parseArgs(args)}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", toolID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", toolID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("The request to %s timed out after %d seconds. Please try again later.",
				toolID, int(s.invokeTimeout.Seconds()))
		}
		return fmt.Sprintf("Error executing %s: %v", toolID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", toolID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("Error executing %s: status %d", toolID, resp.StatusCode)
	}
	return responseText(data)
}

// parseArgs decodes the model's arguments. Text that is not a JSON object is
// passed through as {"input": text}.
func parseArgs(args string) map[string]any {
	args = strings.TrimSpace(args)
	if args == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil || m == nil {
		return map[string]any{"input": args}
	}
	return m
}

// responseText unwraps JSON string bodies and returns everything else as is.
func responseText(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(data))
}

func cloudSchema(params map[string]CloudParameter) map[string]any {
	props := make(map[string]any, len(params))
	var required []string
	for name, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		slices.Sort(required)
		schema["required"] = required
	}
	return schema
}
