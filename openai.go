package main

import (
	"context"
	"fmt"

	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/sashabaranov/go-openai"
)

const chatSystemPrompt = "You are a helpful voice assistant. Provide concise and useful responses."

// ChatMessage is one turn of the conversation history carried by the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newOpenAIClient(conf *Config) *openai.Client {
	config := openai.DefaultConfig(conf.OpenAIAPIKey)
	if conf.OpenAIBaseURL != "" {
		config.BaseURL = conf.OpenAIBaseURL
	}
	return openai.NewClientWithConfig(config)
}

type openaiASRService struct {
	conf *Config
}

func NewOpenAIASRService(conf *Config) ASRService {
	return &openaiASRService{conf: conf}
}

// RequestASR transcribes an audio file with whisper. No retry: provider
// failures propagate to the caller as-is.
func (v *openaiASRService) RequestASR(ctx context.Context, inputFile string) (string, error) {
	if v.conf.OpenAIAPIKey == "" {
		return "", fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrCredentialMissing)
	}

	client := newOpenAIClient(v.conf)
	resp, err := client.CreateTranscription(
		ctx,
		openai.AudioRequest{
			Model:    openai.Whisper1,
			FilePath: inputFile,
			Format:   openai.AudioResponseFormatJSON,
		},
	)
	if err != nil {
		return "", errors.Wrapf(err, "asr %v", inputFile)
	}

	logger.Tf(ctx, "ASR ok, file=%v, text=<%v>", inputFile, resp.Text)
	return resp.Text, nil
}

type openaiChatService struct {
	conf *Config
}

func NewOpenAIChatService(conf *Config) ChatService {
	return &openaiChatService{conf: conf}
}

func (v *openaiChatService) RequestChat(ctx context.Context, message string, histories []ChatMessage) (string, error) {
	if v.conf.OpenAIAPIKey == "" {
		return "", fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrCredentialMissing)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: chatSystemPrompt},
	}
	for _, h := range histories {
		if h.Role == "" || h.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role: h.Role, Content: h.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: message,
	})

	client := newOpenAIClient(v.conf)
	resp, err := client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:       openai.GPT4Turbo,
			Messages:    messages,
			MaxTokens:   300,
			Temperature: 0.7,
		},
	)
	if err != nil {
		return "", errors.Wrapf(err, "create chat")
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "I'm sorry, I couldn't generate a response. Please try again.", nil
	}

	reply := resp.Choices[0].Message.Content
	logger.Tf(ctx, "Chat ok, histories=%v, reply=<%v>", len(histories), reply)
	return reply, nil
}
