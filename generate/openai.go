package generate

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tabchat/server/credentials"
)

const (
	ProviderOpenAI = "openai"

	DefaultOpenAIModel = "gpt-4o"
)

type openAIBackend struct {
	client *openai.Client
}

func newOpenAIBackend(creds credentials.Credentials) *openAIBackend {
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	return &openAIBackend{client: openai.NewClientWithConfig(cfg)}
}

func (b *openAIBackend) name() string         { return ProviderOpenAI }
func (b *openAIBackend) defaultModel() string { return DefaultOpenAIModel }

func (b *openAIBackend) stream(ctx context.Context, p streamParams, out chan<- item) {
	messages := make([]openai.ChatCompletionMessage, 0, len(p.Turns)+1)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.System,
		})
	}
	for _, t := range p.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     p.Model,
		Messages:  messages,
		MaxTokens: p.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		send(ctx, out, item{err: fmt.Errorf("openai: %w", err)})
		return
	}
	defer stream.Close()

	var responseID string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send(ctx, out, item{event: EndEvent("", responseID)})
			return
		}
		if err != nil {
			send(ctx, out, item{err: fmt.Errorf("openai: %w", err)})
			return
		}

		if resp.ID != "" && resp.ID != responseID {
			responseID = resp.ID
			if !send(ctx, out, item{event: MetadataEvent(responseID)}) {
				return
			}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				if !send(ctx, out, item{event: ContentEvent(choice.Delta.Content)}) {
					return
				}
			}
			if choice.FinishReason == openai.FinishReasonContentFilter {
				send(ctx, out, item{event: InvalidStateEvent("openai: response blocked by content filter")})
				return
			}
		}
	}
}
