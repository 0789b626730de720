package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client defines the Anthropic API operations used by the extraction tiers
// and the validation adjudicator.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is the subset of the Messages API pricewatch uses.
type MessageRequest struct {
	Model         string
	MaxTokens     int64
	System        []SystemBlock
	Messages      []Message
	Temperature   *float64
	StopSequences []string
}

// SystemBlock represents a system prompt block, optionally with cache control.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl configures caching for a content block.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message represents a single conversational message.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse carries the text blocks and token usage of a reply.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	Usage        TokenUsage
	StopSequence string
}

// Text concatenates the text blocks of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type != "" && c.Type != "text" {
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// ContentBlock represents a block of content in a response.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

type sdkClient struct {
	sdk sdk.Client
}

// NewClient returns a Client backed by anthropic-sdk-go. opts are applied
// after the API key, so tests can point it at a local server.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	return &sdkClient{sdk: sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	if len(req.Messages) == 0 {
		return nil, eris.New("anthropic: request has no messages")
	}
	msg, err := c.sdk.Messages.New(ctx, req.params())
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: create message (model %s)", req.Model)
	}
	return newResponse(msg), nil
}

func (req MessageRequest) params() sdk.MessageNewParams {
	p := sdk.MessageNewParams{
		Model:         sdk.Model(req.Model),
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
		Messages:      make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		p.Messages = append(p.Messages, m.param())
	}
	for _, b := range req.System {
		p.System = append(p.System, b.param())
	}
	if req.Temperature != nil {
		p.Temperature = sdk.Float(*req.Temperature)
	}
	return p
}

// param maps any role other than assistant to user.
func (m Message) param() sdk.MessageParam {
	if m.Role == "assistant" {
		return sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content))
	}
	return sdk.NewUserMessage(sdk.NewTextBlock(m.Content))
}

func (b SystemBlock) param() sdk.TextBlockParam {
	p := sdk.TextBlockParam{Text: b.Text}
	if b.CacheControl == nil {
		return p
	}
	p.CacheControl = sdk.NewCacheControlEphemeralParam()
	if b.CacheControl.TTL != "" {
		p.CacheControl.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
	}
	return p
}

// newResponse keeps only text blocks; pricewatch never enables tools or
// extended thinking.
func newResponse(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		StopSequence: msg.StopSequence,
		Content:      make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		if b.Type == "text" {
			resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
		}
	}
	return resp
}
