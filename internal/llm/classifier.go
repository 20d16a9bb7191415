package llm

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/avaldes/ohmtutor/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

//go:embed alternative_conceptions.json
var acRaw []byte

// maxACsPerReport caps how many misconception ids one report may carry.
const maxACsPerReport = 3

// UnknownACLabel marks a conversation the classifier could not analyze.
const UnknownACLabel = "AC_UNK"

// ACReport is the classifier's assessment of one finished conversation.
type ACReport struct {
	Analysis string            `json:"analisis"`
	Advice   string            `json:"consejo"`
	ACs      []model.ACFinding `json:"acs"`
}

// Classifier detects alternative conceptions (common physics misconceptions)
// in a finished tutoring conversation. Classification is best effort: a
// failure yields an AC_UNK report, never an error the caller must handle
// before persisting results.
type Classifier struct {
	api    *openai.Client
	model  string
	acMap  map[string]string
	acIDs  []string
	logger *slog.Logger
}

// NewClassifier creates a classifier against an OpenAI-compatible endpoint.
// The closed misconception catalog is loaded from the embedded JSON.
func NewClassifier(baseURL, apiKey, modelName string, logger *slog.Logger) (*Classifier, error) {
	var data struct {
		ACs map[string]struct {
			Name string `json:"name"`
		} `json:"alternative_conceptions"`
	}
	if err := json.Unmarshal(acRaw, &data); err != nil {
		return nil, fmt.Errorf("parse misconception catalog: %w", err)
	}

	acMap := make(map[string]string, len(data.ACs))
	ids := make([]string, 0, len(data.ACs))
	for id, ac := range data.ACs {
		acMap[id] = ac.Name
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		api:    openai.NewClientWithConfig(config),
		model:  modelName,
		acMap:  acMap,
		acIDs:  ids,
		logger: logger,
	}, nil
}

// Ping verifies the classifier endpoint is reachable.
func (c *Classifier) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("classifier endpoint unreachable: %w", err)
	}
	return nil
}

// Classify analyzes a conversation and returns the misconceptions it shows,
// drawn only from the closed catalog. When the model call fails or returns
// unusable output, the report carries a single AC_UNK finding so dashboards
// still show that classification was attempted.
func (c *Classifier) Classify(ctx context.Context, turns []model.Turn) (*ACReport, error) {
	report, err := c.classify(ctx, turns)
	if err != nil {
		c.logger.Warn("misconception classifier failed", "error", err)
		report = &ACReport{}
		if len(turns) > 0 {
			report.ACs = []model.ACFinding{{
				Label: UnknownACLabel,
				Text:  "No se pudo clasificar (timeout o formato inválido)",
			}}
		}
	}
	return report, nil
}

func (c *Classifier) classify(ctx context.Context, turns []model.Turn) (*ACReport, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: c.buildClassifierPrompt(turns)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("classifier returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("classifier response", "raw", raw)

	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("classifier returned non-JSON content (raw: %s)", raw)
	}

	var parsed struct {
		Analysis string   `json:"analisis"`
		Advice   string   `json:"consejo"`
		ACs      []string `json:"acs"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return nil, fmt.Errorf("parse classifier response: %w (raw: %s)", err, raw)
	}

	report := &ACReport{
		Analysis: strings.TrimSpace(parsed.Analysis),
		Advice:   strings.TrimSpace(parsed.Advice),
	}
	for _, id := range parsed.ACs {
		id = strings.TrimSpace(id)
		name, ok := c.acMap[id]
		if !ok {
			continue
		}
		report.ACs = append(report.ACs, model.ACFinding{Label: id, Text: name})
		if len(report.ACs) == maxACsPerReport {
			break
		}
	}
	return report, nil
}

func (c *Classifier) buildClassifierPrompt(turns []model.Turn) string {
	conversation := "Conversación vacía."
	if len(turns) > 0 {
		var lines []string
		for _, t := range turns {
			lines = append(lines, string(t.Role)+": "+t.Content)
		}
		conversation = strings.Join(lines, "\n")
	}

	var sb strings.Builder
	sb.WriteString("Eres un asistente que clasifica concepciones alternativas (AC) en un diálogo de tutoría.\n\n")
	sb.WriteString("REGLAS ESTRICTAS (OBLIGATORIAS):\n")
	sb.WriteString("- Devuelve ÚNICAMENTE JSON válido.\n")
	sb.WriteString("- No escribas ningún texto fuera del JSON.\n")
	sb.WriteString("- No incluyas explicaciones, comentarios ni markdown.\n\n")
	sb.WriteString("Solo puedes devolver IDs de esta lista cerrada:\n")
	sb.WriteString(strings.Join(c.acIDs, ", "))
	sb.WriteString("\n\nDevuelve como máximo 3 IDs.\nSi no detectas ninguna con claridad, devuelve [].\n\n")
	sb.WriteString("FORMATO EXACTO DE RESPUESTA:\n")
	sb.WriteString(`{"analisis": "1-2 frases muy cortas", "consejo": "1 frase muy corta", "acs": ["AC13", "AC14"]}`)
	sb.WriteString("\n\nCONVERSACIÓN:\n---\n")
	sb.WriteString(conversation)
	sb.WriteString("\n---")
	return sb.String()
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject pulls the first JSON object out of model output that may
// carry stray text around it.
func extractJSONObject(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return s
	}
	return jsonObjectRe.FindString(s)
}
