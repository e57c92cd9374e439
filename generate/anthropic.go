package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tabchat/server/credentials"
	"github.com/tidwall/gjson"
)

const (
	ProviderAnthropic = "anthropic"

	DefaultAnthropicModel = "claude-sonnet-4-20250514"

	// sdkStreamErrorPrefix is how the SDK reports an "event: error" SSE.
	sdkStreamErrorPrefix = "received error while streaming: "
)

type anthropicBackend struct {
	client anthropic.Client
}

func newAnthropicBackend(creds credentials.Credentials) *anthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	return &anthropicBackend{client: anthropic.NewClient(opts...)}
}

func (b *anthropicBackend) name() string         { return ProviderAnthropic }
func (b *anthropicBackend) defaultModel() string { return DefaultAnthropicModel }

func (b *anthropicBackend) stream(ctx context.Context, p streamParams, out chan<- item) {
	messages := make([]anthropic.MessageParam, 0, len(p.Turns))
	for _, t := range p.Turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model),
		MaxTokens: int64(p.MaxTokens),
		Messages:  messages,
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: p.System}}
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var messageID string
	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageID = event.AsMessageStart().Message.ID
			if messageID != "" && !send(ctx, out, item{event: MetadataEvent(messageID)}) {
				return
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !send(ctx, out, item{event: ContentEvent(delta.Text)}) {
					return
				}
			}

		case "message_delta":
			if string(event.AsMessageDelta().Delta.StopReason) == "refusal" {
				send(ctx, out, item{event: InvalidStateEvent("anthropic: response refused")})
				return
			}

		case "message_stop":
			send(ctx, out, item{event: EndEvent("", messageID)})
			return
		}
	}

	err := stream.Err()
	if err == nil {
		return
	}
	if msg, ok := providerStreamError(err); ok {
		send(ctx, out, item{event: ErrorEvent(msg)})
		return
	}
	send(ctx, out, item{err: fmt.Errorf("anthropic: %w", err)})
}

// providerStreamError extracts the message of an error the provider sent
// inside the stream. ok is false for transport failures.
func providerStreamError(err error) (string, bool) {
	payload, found := strings.CutPrefix(err.Error(), sdkStreamErrorPrefix)
	if !found || !gjson.Valid(payload) {
		return "", false
	}
	body := gjson.Parse(payload)
	if inner := body.Get("error"); inner.IsObject() {
		body = inner
	}
	msg := body.Get("message").String()
	if msg == "" {
		msg = body.Get("type").String()
	}
	if msg == "" {
		return "", false
	}
	return msg, true
}
