package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/inframinds/agentcore/internal/graph"
)

const rawPreviewLimit = 500

// OpenAIClient implements Client against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	backoff time.Duration // base delay between retry attempts
}

// OpenAIOptions configures NewOpenAIClient. BaseURL may point at any
// OpenAI-compatible server (vLLM, Ollama, a local gateway).
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("oracle: api key required when no base url is set")
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o-mini"
		log.Printf("oracle: model not configured, defaulting to %s", model)
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		backoff: 2 * time.Second,
	}, nil
}

// GenerateGraph produces a graph for the request kind, retrying on
// transport failures and schema breaches up to MaxAttempts.
func (c *OpenAIClient) GenerateGraph(ctx context.Context, req GraphRequest) (*GraphResult, error) {
	prompt, err := buildGraphPrompt(req)
	if err != nil {
		return nil, err
	}

	var lastRaw string
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := c.complete(ctx, req.Kind, prompt, req.Image)
		if err != nil {
			lastErr = err
			if waitErr := c.wait(ctx, attempt, req.Kind, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		lastRaw = raw

		result, err := decodeGraphResult(raw, req.TargetPhase)
		if err != nil {
			lastErr = err
			log.Printf("oracle: %s attempt %d returned malformed graph: %v", req.Kind, attempt, err)
			if waitErr := c.wait(ctx, attempt, req.Kind, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return result, nil
	}

	return nil, &ContractError{
		Kind:   req.Kind,
		Reason: fmt.Sprintf("exhausted %d attempts: %v", MaxAttempts, lastErr),
		Raw:    truncate(lastRaw, rawPreviewLimit),
	}
}

// ExplainBlast narrates a failure scenario. A malformed response after
// retries is a ContractError; callers may substitute a fallback narrative.
func (c *OpenAIClient) ExplainBlast(ctx context.Context, req BlastRequest) (*BlastResult, error) {
	prompt := blastPrompt(req)

	var lastRaw string
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := c.complete(ctx, KindBlastExplanation, prompt, nil)
		if err != nil {
			lastErr = err
			if waitErr := c.wait(ctx, attempt, KindBlastExplanation, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		lastRaw = raw

		jsonText, err := extractJSONObject(raw)
		if err != nil {
			lastErr = err
			continue
		}
		var result BlastResult
		if err := json.Unmarshal([]byte(jsonText), &result); err != nil || result.Explanation == "" {
			lastErr = fmt.Errorf("blast response missing explanation")
			continue
		}
		if result.TargetNode == "" {
			result.TargetNode = req.TargetNode
		}
		return &result, nil
	}

	return nil, &ContractError{
		Kind:   KindBlastExplanation,
		Reason: fmt.Sprintf("exhausted %d attempts: %v", MaxAttempts, lastErr),
		Raw:    truncate(lastRaw, rawPreviewLimit),
	}
}

// PatchArtifact returns a corrected artifact body. The response is
// plain code, so only fence stripping is applied.
func (c *OpenAIClient) PatchArtifact(ctx context.Context, req PatchRequest) (string, error) {
	prompt := patchPrompt(req)

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := c.complete(ctx, KindArtifactPatch, prompt, nil)
		if err != nil {
			lastErr = err
			if waitErr := c.wait(ctx, attempt, KindArtifactPatch, err); waitErr != nil {
				return "", waitErr
			}
			continue
		}
		fixed := stripCodeFences(raw)
		if strings.TrimSpace(fixed) == "" {
			lastErr = fmt.Errorf("empty patch response")
			continue
		}
		return fixed, nil
	}

	return "", &ContractError{
		Kind:   KindArtifactPatch,
		Reason: fmt.Sprintf("exhausted %d attempts: %v", MaxAttempts, lastErr),
	}
}

// GenerateArtifact compiles the implementation graph into HCL plus a
// verification script.
func (c *OpenAIClient) GenerateArtifact(ctx context.Context, req ArtifactRequest) (*Artifact, error) {
	prompt := codeGenPrompt(req)

	var lastRaw string
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		raw, err := c.complete(ctx, KindCodeGeneration, prompt, nil)
		if err != nil {
			lastErr = err
			if waitErr := c.wait(ctx, attempt, KindCodeGeneration, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		lastRaw = raw

		jsonText, err := extractJSONObject(raw)
		if err != nil {
			lastErr = err
			continue
		}
		var artifact Artifact
		if err := json.Unmarshal([]byte(jsonText), &artifact); err != nil || artifact.HCL == "" {
			lastErr = fmt.Errorf("artifact response missing hcl_code")
			continue
		}
		artifact.HCL = stripCodeFences(artifact.HCL)
		artifact.TestScript = stripCodeFences(artifact.TestScript)
		return &artifact, nil
	}

	return nil, &ContractError{
		Kind:   KindCodeGeneration,
		Reason: fmt.Sprintf("exhausted %d attempts: %v", MaxAttempts, lastErr),
		Raw:    truncate(lastRaw, rawPreviewLimit),
	}
}

func buildGraphPrompt(req GraphRequest) (string, error) {
	switch req.Kind {
	case KindIntentGeneration:
		return intentPrompt(req.Prompt), nil
	case KindVisionExtraction:
		return visionPrompt, nil
	case KindPolicyFix:
		if req.Graph == nil {
			return "", fmt.Errorf("oracle: policy_fix requires a graph")
		}
		graphJSON, err := json.Marshal(req.Graph)
		if err != nil {
			return "", err
		}
		return policyPrompt(string(graphJSON), req.Violations), nil
	case KindExpansion:
		if req.Graph == nil {
			return "", fmt.Errorf("oracle: expansion requires a graph")
		}
		graphJSON, err := json.Marshal(req.Graph)
		if err != nil {
			return "", err
		}
		return expansionPrompt(string(graphJSON), req.ExecutionMode), nil
	case KindModification:
		if req.Graph == nil {
			return "", fmt.Errorf("oracle: modification requires a graph")
		}
		graphJSON, err := json.Marshal(req.Graph)
		if err != nil {
			return "", err
		}
		phase := req.TargetPhase
		if phase == "" {
			phase = graph.PhaseIntent
		}
		return modificationPrompt(string(graphJSON), req.Prompt, phase), nil
	default:
		return "", fmt.Errorf("oracle: %s is not a graph-producing kind", req.Kind)
	}
}

func (c *OpenAIClient) complete(ctx context.Context, kind Kind, prompt string, image []byte) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "You are a precise infrastructure reasoning engine. Respond exactly in the requested format."},
	}

	if len(image) > 0 {
		encoded := base64.StdEncoding.EncodeToString(image)
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:image/png;base64," + encoded,
					},
				},
			},
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	}
	// Patch responses are raw code; everything else is JSON.
	if kind != KindArtifactPatch {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("oracle: %s completion failed: %w", kind, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("oracle: %s returned no choices", kind)
	}
	return resp.Choices[0].Message.Content, nil
}

// wait sleeps before the next retry. Returns an error only when the
// context ends or the attempt budget is spent, so the caller can stop.
func (c *OpenAIClient) wait(ctx context.Context, attempt int, kind Kind, cause error) error {
	if attempt >= MaxAttempts {
		return nil // caller exits the loop and reports the final error
	}
	log.Printf("oracle: retrying %s (attempt %d/%d): %v", kind, attempt, MaxAttempts, cause)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.backoff * time.Duration(attempt)):
		return nil
	}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx != -1 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
