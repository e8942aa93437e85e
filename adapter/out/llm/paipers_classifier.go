// Package llm implements document classification backed by OpenAI.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"

	"paipers_server/core/domain"
	"paipers_server/core/port/out"
	"paipers_server/pkg/httputil"
	"paipers_server/pkg/logger"
	"paipers_server/pkg/resilience"
)

const DefaultModel = "gpt-4o-mini"

// ClassifierConfig configures the OpenAI classifier.
type ClassifierConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Classifier assigns a French category and a cleaned title to a document
// from its filename and message envelope. It never fails the intake flow:
// any LLM error falls back to the default category.
type Classifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	breaker     *resilience.Breaker
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("openai-classify"))
	breaker.OnStateChange(func(name string, from, to resilience.BreakerState) {
		logger.Warn("Circuit breaker %s: %s -> %s", name, from, to)
	})

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = httputil.OpenAIClient()

	return &Classifier{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
		timeout:     timeout,
		breaker:     breaker,
	}
}

type classifyResponse struct {
	Category string `json:"category"`
	Title    string `json:"title"`
}

// Classify asks the model for a category and title. On any failure it
// returns the fallback classification instead of an error.
func (c *Classifier) Classify(ctx context.Context, filename, subject, from string) (*out.Classification, error) {
	fallback := &out.Classification{
		Category: domain.CategoryOther,
		Title:    fallbackTitle(filename, subject),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildClassifyPrompt(filename, subject, from)

	// While the breaker is open every document takes the fallback path
	// immediately instead of waiting out an OpenAI timeout.
	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: classifySystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		return callErr
	})
	if err != nil {
		logger.WithError(err).Warn("Document classification failed, using fallback category")
		return fallback, nil
	}
	if len(resp.Choices) == 0 {
		return fallback, nil
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		logger.WithError(err).Warn("Document classification returned invalid JSON, using fallback category")
		return fallback, nil
	}

	category := strings.ToLower(strings.TrimSpace(parsed.Category))
	if !domain.ValidCategory(category) {
		category = domain.CategoryOther
	}

	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		title = fallback.Title
	}

	return &out.Classification{
		Category: category,
		Title:    title,
	}, nil
}

const classifySystemPrompt = `Tu classes des documents personnels en francais.
Reponds uniquement en JSON avec les cles "category" et "title".
La categorie doit etre exactement l'une de:
travail, facture, banque, administratif, assurance, impots, contrat, autres.
Le titre est court et lisible, sans extension de fichier.`

func buildClassifyPrompt(filename, subject, from string) string {
	return fmt.Sprintf(`Document recu par email.

Nom du fichier: %s
Sujet du message: %s
Expediteur: %s

Classe ce document et propose un titre.`, filename, subject, from)
}

func fallbackTitle(filename, subject string) string {
	if filename != "" {
		base := filename
		if idx := strings.LastIndex(base, "."); idx > 0 {
			base = base[:idx]
		}
		return base
	}
	if subject != "" {
		return subject
	}
	return "Document Gmail"
}

var _ out.DocumentClassifier = (*Classifier)(nil)
