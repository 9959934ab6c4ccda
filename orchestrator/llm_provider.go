// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// LLMProvider is the language-model backend used for classification
type LLMProvider interface {
	Name() string
	Query(ctx context.Context, prompt string, options QueryOptions) (*LLMResponse, error)
}

// QueryOptions contains options for LLM queries
type QueryOptions struct {
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
}

// LLMResponse represents a response from an LLM provider
type LLMResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	TokensUsed   int           `json:"tokens_used"`
	ResponseTime time.Duration `json:"response_time"`
}

// LLMConfig selects and configures the classification provider
type LLMConfig struct {
	Provider       string
	GeminiKey      string
	GeminiModel    string
	OpenAIKey      string
	OpenAIModel    string
	OllamaEndpoint string
	OllamaModel    string
	BedrockRegion  string
	BedrockModel   string
}

const maxLLMResponseSize = 1 << 20

// NewLLMProvider builds the configured provider. An empty provider name
// returns (nil, nil): classification then runs on keywords alone.
func NewLLMProvider(ctx context.Context, cfg LLMConfig) (LLMProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "gemini":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("gemini provider requires GEMINI_API_KEY")
		}
		return NewGeminiProvider(cfg.GeminiKey, cfg.GeminiModel, ""), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY")
		}
		return NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIModel, ""), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "bedrock":
		return NewBedrockProvider(ctx, cfg.BedrockRegion, cfg.BedrockModel)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// postJSON sends body to url and decodes a 200 response into out
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// url.Error repeats the full URL, query string included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("request to %s failed: %w", redactURL(endpoint), urlErr.Err)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLLMResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, truncate(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// redactURL drops the query and credentials of endpoint for log output
func redactURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// GeminiProvider calls the Gemini generateContent REST API
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiProvider creates a Gemini provider. Empty model and baseURL use defaults.
func NewGeminiProvider(apiKey, model, baseURL string) *GeminiProvider {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Query(ctx context.Context, prompt string, options QueryOptions) (*LLMResponse, error) {
	start := time.Now()

	model := options.Model
	if model == "" {
		model = p.model
	}

	req := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": map[string]interface{}{
			"temperature":     options.Temperature,
			"maxOutputTokens": options.MaxTokens,
		},
	}
	if options.SystemPrompt != "" {
		req["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": options.SystemPrompt}},
		}
	}

	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			TotalTokenCount int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)
	headers := map[string]string{"x-goog-api-key": p.apiKey}
	if err := postJSON(ctx, p.client, endpoint, headers, req, &resp); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	var content strings.Builder
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
	}

	return &LLMResponse{
		Content:      content.String(),
		Model:        model,
		TokensUsed:   resp.UsageMetadata.TotalTokenCount,
		ResponseTime: time.Since(start),
	}, nil
}

// OpenAIProvider calls the OpenAI chat completions API
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI provider. Empty model and baseURL use defaults.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Query(ctx context.Context, prompt string, options QueryOptions) (*LLMResponse, error) {
	start := time.Now()

	model := options.Model
	if model == "" {
		model = p.model
	}

	messages := []map[string]string{}
	if options.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": options.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	req := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"max_tokens":  options.MaxTokens,
		"temperature": options.Temperature,
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, p.baseURL+"/v1/chat/completions", headers, req, &resp); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &LLMResponse{
		Content:      content,
		Model:        model,
		TokensUsed:   resp.Usage.TotalTokens,
		ResponseTime: time.Since(start),
	}, nil
}

// OllamaProvider calls a self-hosted Ollama server
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaProvider creates an Ollama provider
func NewOllamaProvider(endpoint, model string) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://ollama:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Query(ctx context.Context, prompt string, options QueryOptions) (*LLMResponse, error) {
	start := time.Now()

	model := options.Model
	if model == "" {
		model = p.model
	}

	req := map[string]interface{}{
		"model":  model,
		"prompt": prompt,
		"system": options.SystemPrompt,
		"stream": false,
		"options": map[string]interface{}{
			"temperature": options.Temperature,
			"num_predict": options.MaxTokens,
		},
	}

	var resp struct {
		Response string `json:"response"`
		Model    string `json:"model"`
	}
	if err := postJSON(ctx, p.client, p.endpoint+"/api/generate", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	return &LLMResponse{
		Content:      resp.Response,
		Model:        resp.Model,
		TokensUsed:   len(prompt) / 4, // Rough estimate
		ResponseTime: time.Since(start),
	}, nil
}

// bedrockInvoker is the subset of the Bedrock runtime client in use
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider invokes models on AWS Bedrock with SigV4 credentials
// resolved by the default AWS config chain.
type BedrockProvider struct {
	client bedrockInvoker
	region string
	model  string
}

// NewBedrockProvider loads AWS configuration for region
func NewBedrockProvider(ctx context.Context, region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	if model == "" {
		model = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
		model:  model,
	}, nil
}

func (p *BedrockProvider) Name() string {
	return "bedrock"
}

func (p *BedrockProvider) Query(ctx context.Context, prompt string, options QueryOptions) (*LLMResponse, error) {
	start := time.Now()

	model := options.Model
	if model == "" {
		model = p.model
	}

	body, err := bedrockRequestBody(model, prompt, options)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}

	resp, err := parseBedrockResponse(model, output.Body)
	if err != nil {
		return nil, err
	}
	resp.Model = model
	resp.ResponseTime = time.Since(start)
	return resp, nil
}

func bedrockModelFamily(model string) string {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(model, "amazon."):
		return "amazon"
	default:
		return "unknown"
	}
}

func bedrockRequestBody(model, prompt string, options QueryOptions) (map[string]interface{}, error) {
	switch bedrockModelFamily(model) {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        options.MaxTokens,
			"temperature":       options.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
		if options.SystemPrompt != "" {
			body["system"] = options.SystemPrompt
		}
		return body, nil
	case "amazon":
		text := prompt
		if options.SystemPrompt != "" {
			text = options.SystemPrompt + "\n\n" + prompt
		}
		return map[string]interface{}{
			"inputText": text,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": options.MaxTokens,
				"temperature":   options.Temperature,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %s", model)
	}
}

func parseBedrockResponse(model string, body []byte) (*LLMResponse, error) {
	switch bedrockModelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		content := ""
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return &LLMResponse{Content: content, TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		out := &LLMResponse{TokensUsed: resp.InputTextTokenCount}
		if len(resp.Results) > 0 {
			out.Content = resp.Results[0].OutputText
			out.TokensUsed += resp.Results[0].TokenCount
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %s", model)
	}
}
