package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/nexusnotes/chatcore/internal/usage"
	"github.com/nexusnotes/chatcore/internal/wire"
)

// Gemini implements Transport using the Google Gemini API.
type Gemini struct {
	apiKey string
	model  string
}

func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{apiKey: apiKey, model: model}
}

func (p *Gemini) Name() string {
	return fmt.Sprintf("Gemini (%s)", p.model)
}

func (p *Gemini) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey})
		if err != nil {
			return fmt.Errorf("create gemini client: %w", err)
		}

		system, contents := buildGeminiContents(req.Messages)
		if len(contents) == 0 {
			return fmt.Errorf("no user content provided")
		}

		config := &genai.GenerateContentConfig{}
		if system != "" {
			config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		if len(req.Tools) > 0 {
			config.Tools = buildGeminiTools(req.Tools)
			mode := genai.FunctionCallingConfigModeAuto
			if req.ToolChoice == ToolChoiceNone {
				mode = genai.FunctionCallingConfigModeNone
			}
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
			}
		}
		if req.MaxOutputTokens > 0 {
			config.MaxOutputTokens = int32(req.MaxOutputTokens)
		}

		model := chooseModel(req.Model, p.model)

		// Function calling does not stream well; run it as one request and
		// fan the parts out as events.
		if len(req.Tools) > 0 {
			resp, err := client.Models.GenerateContent(ctx, model, contents, config)
			if err != nil {
				return fmt.Errorf("gemini API error: %w", err)
			}
			var lastThoughtSig []byte
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				for _, part := range resp.Candidates[0].Content.Parts {
					if part.Thought && len(part.ThoughtSignature) > 0 {
						lastThoughtSig = part.ThoughtSignature
					}
					if part.Text != "" && !part.Thought {
						events <- Event{Type: EventTextDelta, Text: part.Text}
					}
					if part.FunctionCall != nil {
						args, _ := json.Marshal(part.FunctionCall.Args)
						thoughtSig := part.ThoughtSignature
						if thoughtSig == nil {
							thoughtSig = lastThoughtSig
						}
						events <- Event{Type: EventToolCall, Tool: &ToolCall{
							ID:         part.FunctionCall.ID,
							Name:       part.FunctionCall.Name,
							Arguments:  json.RawMessage(args),
							ThoughtSig: thoughtSig,
						}}
					}
				}
			}
			emitGeminiUsage(events, resp)
			events <- Event{Type: EventDone}
			return nil
		}

		var lastResp *genai.GenerateContentResponse
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			lastResp = resp
			if text := resp.Text(); text != "" {
				events <- Event{Type: EventTextDelta, Text: text}
			}
		}
		emitGeminiUsage(events, lastResp)
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func emitGeminiUsage(events chan<- Event, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	if resp.UsageMetadata.TotalTokenCount > 0 {
		events <- Event{Type: EventUsage, Use: &usage.Tokens{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}}
	}
}

// buildGeminiContents converts google-shaped wire messages to SDK contents.
// System entries are hoisted into systemInstruction; function role replays
// as user content, which is how the API accepts historical responses.
func buildGeminiContents(messages []wire.Message) (string, []*genai.Content) {
	var system string
	contents := make([]*genai.Content, 0, len(messages))

	for i := range messages {
		msg := &messages[i]
		if msg.Role == "system" {
			for _, part := range msg.Parts {
				if part.Text != "" {
					if system != "" {
						system += "\n\n"
					}
					system += part.Text
				}
			}
			continue
		}
		role := genai.RoleUser
		if msg.Role == "model" || msg.Role == "assistant" {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, part := range msg.Parts {
			content.Parts = append(content.Parts, convertGeminiPart(part))
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return system, contents
}

func convertGeminiPart(part wire.Part) *genai.Part {
	out := &genai.Part{
		Text:             part.Text,
		ThoughtSignature: part.ThoughtSignature,
	}
	if part.FunctionCall != nil {
		out.FunctionCall = &genai.FunctionCall{
			Name: part.FunctionCall.Name,
			Args: argsToMap(part.FunctionCall.Args),
		}
	}
	if part.FunctionResponse != nil {
		out.FunctionResponse = &genai.FunctionResponse{
			Name:     part.FunctionResponse.Name,
			Response: responseToMap(part.FunctionResponse.Response),
		}
	}
	return out
}

func argsToMap(args any) map[string]any {
	switch v := args.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m
		}
		return map[string]any{"_raw": v}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			return m
		}
		return map[string]any{"_raw": string(data)}
	}
}

func responseToMap(resp any) map[string]any {
	if m, ok := resp.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": resp}
}

func buildGeminiTools(specs []ToolSpec) []*genai.Tool {
	tools := make([]*genai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  schemaToGenai(spec.Schema),
				},
			},
		})
	}
	return tools
}

func schemaToGenai(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeString}
	}
	genSchema := &genai.Schema{
		Type:     genaiType(schema),
		Required: schemaRequired(schema),
	}
	if desc, ok := schema["description"].(string); ok {
		genSchema.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		genSchema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				genSchema.Properties[name] = schemaToGenai(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		genSchema.Items = schemaToGenai(items)
	}
	return genSchema
}

func genaiType(schema map[string]any) genai.Type {
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}
