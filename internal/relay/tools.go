package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayhq/relay/pkg/foundry"
	"github.com/relayhq/relay/pkg/hub"
)

// relayClientID identifies results produced by the relay itself rather than
// a downstream client.
const relayClientID = "relay"

// imageGenerator produces an image URL from a prompt.
type imageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// clientRelay forwards a request to a connected Foundry client and returns
// its reply.
type clientRelay interface {
	Request(ctx context.Context, clientID, reqType string, payload any) (*foundry.Message, error)
}

// widgetPublisher delivers an A/V payload to every connected widget.
type widgetPublisher interface {
	Publish(ctx context.Context, p hub.Payload) (int64, error)
}

// tool is one MCP tool: its advertised definition plus the function that runs it.
type tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  map[string]any  `json:"annotations,omitempty"`
	Meta         map[string]any  `json:"_meta,omitempty"`

	run func(ctx context.Context, args json.RawMessage) (*toolResult, error)
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolOutput is the structuredContent shape shared by every relay tool.
// Data is whatever the producer returned: relay-side tools put a JSON-encoded
// string there, Foundry clients send arbitrary JSON.
type toolOutput struct {
	ClientID  string          `json:"clientId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type toolResult struct {
	Content           []toolContent  `json:"content"`
	StructuredContent *toolOutput    `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// errInvalidArguments marks failures to decode tool arguments. These become
// JSON-RPC invalid-params errors instead of tool results.
var errInvalidArguments = errors.New("invalid arguments")

var toolOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"clientId": {"type": "string"},
		"requestId": {"type": "string"},
		"error": {"type": "string"},
		"data": {}
	}
}`)

var generateImageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"imageprompt": {
			"type": "string",
			"description": "What the image should show"
		}
	},
	"required": ["imageprompt"]
}`)

// clientArgsSchema is the input of every tool that targets a Foundry client.
var clientArgsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"clientId": {
			"type": "string",
			"description": "Foundry client to query"
		}
	},
	"required": ["clientId"]
}`)

var widgetAVStateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"state": {
			"type": "string",
			"description": "idle, hello, holyPose, Step, or action (with src)"
		},
		"src": {
			"type": "string",
			"description": "Clip URL to play when state is action"
		}
	},
	"required": ["state"]
}`)

// newTools builds the relay's tool set.
func newTools(images imageGenerator, widgets widgetPublisher, clients clientRelay) []*tool {
	return []*tool{
		{
			Name:         "search-tokens",
			Title:        "Get Tokens Info current Scene",
			Description:  "Fetch the Token entries of the current scene from a connected Foundry client",
			InputSchema:  clientArgsSchema,
			OutputSchema: toolOutputSchema,
			Annotations: map[string]any{
				"title":           "Safe Token Info",
				"readOnlyHint":    true,
				"destructiveHint": false,
				"idempotentHint":  true,
			},
			run: func(ctx context.Context, args json.RawMessage) (*toolResult, error) {
				return runSearchTokens(ctx, clients, args)
			},
		},
		{
			Name:         "generate-image",
			Title:        "Generate Image",
			Description:  "Create an image using the relay-side generator and return its URL",
			InputSchema:  generateImageSchema,
			OutputSchema: toolOutputSchema,
			Annotations: map[string]any{
				"title":           "Safe Generate Image",
				"readOnlyHint":    true,
				"destructiveHint": false,
				"idempotentHint":  true,
			},
			Meta: map[string]any{
				"openai/outputTemplate":          imageWidgetURI,
				"openai/widgetAccessible":        true,
				"openai/toolInvocation/invoking": "Preparing the board…",
				"openai/toolInvocation/invoked":  "Board ready.",
			},
			run: func(ctx context.Context, args json.RawMessage) (*toolResult, error) {
				return runGenerateImage(ctx, images, args)
			},
		},
		{
			Name:         "widget-av-state",
			Title:        "Set Widget A/V State",
			Description:  "Switch the avatar widget to a new state on every connected screen",
			InputSchema:  widgetAVStateSchema,
			OutputSchema: toolOutputSchema,
			Annotations: map[string]any{
				"title":           "Widget A/V State",
				"readOnlyHint":    false,
				"destructiveHint": false,
				"idempotentHint":  true,
			},
			Meta: map[string]any{
				"openai/outputTemplate":   avWidgetURI,
				"openai/widgetAccessible": true,
			},
			run: func(ctx context.Context, args json.RawMessage) (*toolResult, error) {
				return runWidgetAVState(ctx, widgets, args)
			},
		},
	}
}

func runGenerateImage(ctx context.Context, images imageGenerator, args json.RawMessage) (*toolResult, error) {
	var in struct {
		ImagePrompt string `json:"imageprompt"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}

	requestID := uuid.NewString()
	url, err := images.Generate(ctx, in.ImagePrompt)
	if err != nil {
		return formatToolError(err, relayClientID, requestID), nil
	}

	data, _ := json.Marshal(map[string]string{"url": url})
	return &toolResult{
		Content: []toolContent{{Type: "text", Text: "Success"}},
		StructuredContent: &toolOutput{
			ClientID:  relayClientID,
			RequestID: requestID,
			Data:      jsonString(data),
		},
		Meta: map[string]any{"openai/outputTemplate": imageWidgetURI},
	}, nil
}

func runWidgetAVState(ctx context.Context, widgets widgetPublisher, args json.RawMessage) (*toolResult, error) {
	var in hub.Payload
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}
	in.State = strings.TrimSpace(in.State)
	in.Src = strings.TrimSpace(in.Src)

	requestID := uuid.NewString()
	switch {
	case in.State == "":
		return formatToolError(errors.New("state is required"), relayClientID, requestID), nil
	case in.State == "action" && in.Src == "":
		return formatToolError(errors.New("src is required for the action state"), relayClientID, requestID), nil
	}

	if _, err := widgets.Publish(ctx, in); err != nil {
		return formatToolError(err, relayClientID, requestID), nil
	}

	data, _ := json.Marshal(in)
	return &toolResult{
		Content: []toolContent{{Type: "text", Text: "Success"}},
		StructuredContent: &toolOutput{
			ClientID:  relayClientID,
			RequestID: requestID,
			Data:      jsonString(data),
		},
		Meta: map[string]any{"openai/outputTemplate": avWidgetURI},
	}, nil
}

func runSearchTokens(ctx context.Context, clients clientRelay, args json.RawMessage) (*toolResult, error) {
	var in struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArguments, err)
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return formatToolError(errors.New("clientId is required"), "unknown", ""), nil
	}

	reply, err := clients.Request(ctx, clientID, "search-tokens", struct{}{})
	if err != nil {
		requestID := ""
		if reply != nil {
			requestID = reply.RequestID
		}
		return formatToolError(err, clientID, requestID), nil
	}

	out := &toolOutput{ClientID: reply.ClientID, RequestID: reply.RequestID, Data: reply.Data}
	if out.ClientID == "" {
		out.ClientID = clientID
	}
	return &toolResult{
		Content:           []toolContent{{Type: "text", Text: "Success"}},
		StructuredContent: out,
	}, nil
}

// jsonString encodes b as a JSON string value.
func jsonString(b []byte) json.RawMessage {
	s, _ := json.Marshal(string(b))
	return s
}

// formatToolError turns a tool failure into a result the model can read.
// Tool failures are never JSON-RPC errors.
func formatToolError(err error, clientID, requestID string) *toolResult {
	msg := "Unknown error while processing request"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	if requestID == "" {
		requestID = "unknown"
	}
	return &toolResult{
		Content: []toolContent{{
			Type: "text",
			Text: fmt.Sprintf("Failed to process request for client %s: %s", clientID, msg),
		}},
		StructuredContent: &toolOutput{
			ClientID:  clientID,
			RequestID: requestID,
			Error:     msg,
		},
		IsError: true,
	}
}
