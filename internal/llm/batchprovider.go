package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// BatchResult is one completed item from a polled batch job, keyed by
// the custom_id the planner assigned it.
type BatchResult struct {
	CustomID string
	Out      ChatOut
	Err      error
}

// BatchProvider submits a chunk of requests to a provider's
// submit-then-poll batch API and retrieves results once the job
// completes. Implementations hold no retry logic of their own — the
// caller decides how to treat a still-pending poll vs. a hard failure.
type BatchProvider interface {
	Name() string
	Submit(ctx context.Context, jobLabel string, chunk BatchChunk, buildMessages func(barcode string) ([]Message, []ToolSpec)) (catalog.BatchJob, error)
	Poll(ctx context.Context, job catalog.BatchJob) (status string, done bool, err error)
	FetchResults(ctx context.Context, job catalog.BatchJob) ([]BatchResult, error)
}

// AnthropicBatchProvider wires chunked requests through the Message
// Batches API, the batch-mode counterpart to anthropic.ChatModel.
type AnthropicBatchProvider struct {
	APIKey    string
	ModelName string
}

func (p *AnthropicBatchProvider) Name() string { return "anthropic" }

func (p *AnthropicBatchProvider) Submit(ctx context.Context, jobLabel string, chunk BatchChunk, buildMessages func(barcode string) ([]Message, []ToolSpec)) (catalog.BatchJob, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(p.APIKey))

	requests := make([]anthropicsdk.MessageBatchNewParamsRequest, 0, len(chunk.Barcodes))
	for i, barcode := range chunk.Barcodes {
		messages, _ := buildMessages(barcode)
		systemPrompt, conversation := extractBatchSystemPrompt(messages)
		params := anthropicsdk.MessageNewParams{
			Model:     anthropicsdk.Model(p.ModelName),
			Messages:  convertAnthropicBatchMessages(conversation),
			MaxTokens: 4096,
		}
		if systemPrompt != "" {
			params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
		}
		requests = append(requests, anthropicsdk.MessageBatchNewParamsRequest{
			CustomID: chunk.CustomIDs[i],
			Params:   params,
		})
	}

	batch, err := client.Messages.Batches.New(ctx, anthropicsdk.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return catalog.BatchJob{}, fmt.Errorf("llm: submit anthropic batch: %w", err)
	}

	return catalog.BatchJob{
		JobID:     batch.ID,
		Provider:  "anthropic",
		Chunk:     chunk.ChunkIndex,
		Barcodes:  chunk.Barcodes,
		Status:    string(batch.ProcessingStatus),
		CreatedAt: time.Now(),
	}, nil
}

func (p *AnthropicBatchProvider) Poll(ctx context.Context, job catalog.BatchJob) (string, bool, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(p.APIKey))
	batch, err := client.Messages.Batches.Get(ctx, job.JobID)
	if err != nil {
		return "", false, fmt.Errorf("llm: poll anthropic batch %s: %w", job.JobID, err)
	}
	status := string(batch.ProcessingStatus)
	return status, status == "ended", nil
}

func (p *AnthropicBatchProvider) FetchResults(ctx context.Context, job catalog.BatchJob) ([]BatchResult, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(p.APIKey))
	iter := client.Messages.Batches.ResultsStreaming(ctx, job.JobID)

	var results []BatchResult
	for iter.Next() {
		entry := iter.Current()
		res := BatchResult{CustomID: entry.CustomID}
		switch entry.Result.Type {
		case "succeeded":
			res.Out = convertResponseFromMessage(&entry.Result.Message)
		default:
			res.Err = fmt.Errorf("llm: anthropic batch entry %s: %s", entry.CustomID, entry.Result.Type)
		}
		results = append(results, res)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("llm: read anthropic batch results: %w", err)
	}
	return results, nil
}

// extractBatchSystemPrompt mirrors anthropic.extractSystemPrompt: the
// batch submission path sends the system role as Anthropic's dedicated
// System field rather than folding it into the message list.
func extractBatchSystemPrompt(messages []Message) (string, []Message) {
	var systemPrompt string
	var conversation []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return systemPrompt, conversation
}

// convertAnthropicBatchMessages mirrors anthropic.convertMessages: an
// extraction request submitted through the batch path carries the same
// cover-art images as the sync path, just queued instead of sent live.
func convertAnthropicBatchMessages(messages []Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.Images)+1)
		for _, img := range msg.Images {
			blocks = append(blocks, anthropicsdk.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		if msg.Content != "" {
			blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
		}

		if msg.Role == RoleAssistant {
			result[i] = anthropicsdk.NewAssistantMessage(blocks...)
			continue
		}
		result[i] = anthropicsdk.NewUserMessage(blocks...)
	}
	return result
}

func convertResponseFromMessage(msg *anthropicsdk.Message) ChatOut {
	out := ChatOut{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += tb.Text
		}
	}
	return out
}

// OpenAIBatchProvider wires chunked requests through the Batches API
// using the JSONL-file submission flow: build one line per request,
// upload it, then create the batch job against that file.
type OpenAIBatchProvider struct {
	APIKey    string
	ModelName string
}

type openAIBatchLine struct {
	CustomID string              `json:"custom_id"`
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	Body     openAIBatchLineBody `json:"body"`
}

type openAIBatchLineBody struct {
	Model    string                                       `json:"model"`
	Messages []openaisdk.ChatCompletionMessageParamUnion `json:"messages"`
}

func (p *OpenAIBatchProvider) Name() string { return "openai" }

func (p *OpenAIBatchProvider) Submit(ctx context.Context, jobLabel string, chunk BatchChunk, buildMessages func(barcode string) ([]Message, []ToolSpec)) (catalog.BatchJob, error) {
	client := openaisdk.NewClient(openaioption.WithAPIKey(p.APIKey))

	var buf []byte
	for i, barcode := range chunk.Barcodes {
		messages, _ := buildMessages(barcode)
		line := openAIBatchLine{
			CustomID: chunk.CustomIDs[i],
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: openAIBatchLineBody{
				Model:    p.ModelName,
				Messages: convertOpenAIBatchMessages(messages),
			},
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return catalog.BatchJob{}, fmt.Errorf("llm: encode openai batch line: %w", err)
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}

	uploaded, err := client.Files.New(ctx, openaisdk.FileNewParams{
		File:    bytes.NewReader(buf),
		Purpose: openaisdk.FilePurposeBatch,
	})
	if err != nil {
		return catalog.BatchJob{}, fmt.Errorf("llm: upload openai batch file: %w", err)
	}

	batch, err := client.Batches.New(ctx, openaisdk.BatchNewParams{
		InputFileID:      uploaded.ID,
		Endpoint:         openaisdk.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: openaisdk.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return catalog.BatchJob{}, fmt.Errorf("llm: submit openai batch: %w", err)
	}

	return catalog.BatchJob{
		JobID:     batch.ID,
		Provider:  "openai",
		Chunk:     chunk.ChunkIndex,
		Barcodes:  chunk.Barcodes,
		Status:    string(batch.Status),
		CreatedAt: time.Now(),
	}, nil
}

func (p *OpenAIBatchProvider) Poll(ctx context.Context, job catalog.BatchJob) (string, bool, error) {
	client := openaisdk.NewClient(openaioption.WithAPIKey(p.APIKey))
	batch, err := client.Batches.Get(ctx, job.JobID)
	if err != nil {
		return "", false, fmt.Errorf("llm: poll openai batch %s: %w", job.JobID, err)
	}
	status := string(batch.Status)
	done := status == "completed" || status == "failed" || status == "expired" || status == "cancelled"
	return status, done, nil
}

func (p *OpenAIBatchProvider) FetchResults(ctx context.Context, job catalog.BatchJob) ([]BatchResult, error) {
	client := openaisdk.NewClient(openaioption.WithAPIKey(p.APIKey))
	batch, err := client.Batches.Get(ctx, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("llm: fetch openai batch %s: %w", job.JobID, err)
	}
	if batch.OutputFileID == "" {
		return nil, fmt.Errorf("llm: openai batch %s has no output file (status %s)", job.JobID, batch.Status)
	}

	content, err := client.Files.Content(ctx, batch.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("llm: download openai batch output: %w", err)
	}
	defer content.Body.Close()

	var results []BatchResult
	decoder := json.NewDecoder(content.Body)
	for decoder.More() {
		var line struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body openaisdk.ChatCompletion `json:"body"`
			} `json:"response"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := decoder.Decode(&line); err != nil {
			return nil, fmt.Errorf("llm: decode openai batch output line: %w", err)
		}
		res := BatchResult{CustomID: line.CustomID}
		if line.Error != nil {
			res.Err = fmt.Errorf("llm: openai batch entry %s: %s", line.CustomID, line.Error.Message)
		} else {
			res.Out = convertChatCompletion(&line.Response.Body)
		}
		results = append(results, res)
	}
	return results, nil
}

// convertChatCompletion adapts one completed OpenAI batch line's response
// body into a ChatOut. This mirrors internal/llm/openai's convertResponse
// but lives here too since a batch result is decoded straight off the
// downloaded output file rather than from a live Chat call, and the two
// packages intentionally don't import each other's internals.
func convertChatCompletion(resp *openaisdk.ChatCompletion) ChatOut {
	out := ChatOut{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]interface{}{"_raw": tc.Function.Arguments}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{Name: tc.Function.Name, Input: input})
	}
	return out
}

// convertOpenAIBatchMessages mirrors openai.convertMessages: a batch-
// submitted user turn with attached cover images gets the same
// multi-part content array the sync path builds, not just its text.
func convertOpenAIBatchMessages(messages []Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			if len(msg.Images) == 0 {
				result[i] = openaisdk.UserMessage(msg.Content)
				continue
			}
			parts := make([]openaisdk.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openaisdk.TextContentPart(msg.Content))
			}
			for _, img := range msg.Images {
				dataURL := fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data))
				parts = append(parts, openaisdk.ImageContentPart(openaisdk.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
			}
			result[i] = openaisdk.UserMessage(parts)
		}
	}
	return result
}
