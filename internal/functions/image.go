package functions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type AnalysisMode string

const (
	ModeTechnical         AnalysisMode = "technical"
	ModePattern           AnalysisMode = "pattern"
	ModeSupportResistance AnalysisMode = "support_resistance"
	ModeComplete          AnalysisMode = "complete"
)

var analysisModes = []string{
	string(ModeTechnical),
	string(ModePattern),
	string(ModeSupportResistance),
	string(ModeComplete),
}

// ParseAnalysisMode falls back to ModeComplete for unknown values.
func ParseAnalysisMode(s string) AnalysisMode {
	switch AnalysisMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeTechnical:
		return ModeTechnical
	case ModePattern:
		return ModePattern
	case ModeSupportResistance:
		return ModeSupportResistance
	default:
		return ModeComplete
	}
}

type ImageAnalysis struct {
	Analysis     string       `json:"analysis"`
	AnalysisType AnalysisMode `json:"analysis_type"`
	ImageURL     string       `json:"image_url"`
	Model        string       `json:"model"`
	Timestamp    time.Time    `json:"timestamp"`
}

type ImageAnalyzer interface {
	Analyze(ctx context.Context, imageURL string, mode AnalysisMode) (*ImageAnalysis, error)
}

const analystSystemPrompt = `You are an expert technical analyst with more than 15 years of trading experience. Analyze charts in a professional, objective and educational way. Always include risk warnings.`

var analysisPrompts = map[AnalysisMode]string{
	ModeTechnical: `Analyze this trading chart from a purely technical perspective. Identify:
1. Visible technical indicators (RSI, MACD, moving averages, etc.)
2. Candlestick patterns
3. Support and resistance levels
4. Current trends
5. Momentum and volume (if visible)

Provide a detailed and objective technical analysis.`,
	ModePattern: `Focus on identifying trading patterns in this chart:
1. Continuation patterns (triangles, flags, etc.)
2. Reversal patterns (double top, double bottom, etc.)
3. Candlestick patterns (doji, hammer, shooting star, etc.)
4. Fibonacci patterns
5. Chart formations (head and shoulders, wedges, etc.)

Explain each identified pattern and what it means.`,
	ModeSupportResistance: `Analyze the support and resistance levels specifically:
1. Primary and secondary supports
2. Primary and secondary resistances
3. Congestion zones
4. Breakouts and breakdowns
5. Important psychological levels

Give specific levels and their significance.`,
	ModeComplete: `Perform a complete analysis of this trading chart:

## EXECUTIVE SUMMARY
- Current market state
- Main trends

## TECHNICAL ANALYSIS
- Relevant indicators
- Identified patterns
- Momentum and volatility

## KEY LEVELS
- Main support and resistance
- Zones of interest
- Price targets

## RISK MANAGEMENT
- Suggested stop-loss
- Suggested take-profit
- Risk/reward ratio

## RECOMMENDATION
- Entry/exit signal
- Technical justification
- Important warnings

Always include the mandatory risk warnings.`,
}

// GPTImageAnalyzer analyzes chart images with a vision-capable chat model.
type GPTImageAnalyzer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGPTImageAnalyzer(client *openai.Client, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTImageAnalyzer {
	return &GPTImageAnalyzer{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger,
	}
}

func (a *GPTImageAnalyzer) Analyze(ctx context.Context, imageURL string, mode AnalysisMode) (*ImageAnalysis, error) {
	prompt, ok := analysisPrompts[mode]
	if !ok {
		mode = ModeComplete
		prompt = analysisPrompts[ModeComplete]
	}

	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: a.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: analystSystemPrompt,
				},
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: prompt},
						{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: imageURL, Detail: openai.ImageURLDetailAuto},
						},
					},
				},
			},
			MaxTokens:   a.maxTokens,
			Temperature: float32(a.temperature),
		},
	)
	if err != nil {
		a.logger.Error("Failed to get image analysis", zap.Error(err), zap.String("image_url", imageURL))
		return nil, fmt.Errorf("image analysis: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("image analysis: empty response")
	}

	return &ImageAnalysis{
		Analysis:     strings.TrimSpace(resp.Choices[0].Message.Content),
		AnalysisType: mode,
		ImageURL:     imageURL,
		Model:        a.model,
		Timestamp:    time.Now().UTC(),
	}, nil
}

type analyzeImageArgs struct {
	ImageURL     string `json:"image_url"`
	AnalysisType string `json:"analysis_type"`
}

func analyzeImageFunction(analyzer ImageAnalyzer) function {
	return typed[analyzeImageArgs]{
		def: Definition{
			Name:        AnalyzeImage,
			Description: "Analyze a trading chart image to identify patterns and trends",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"image_url": map[string]any{
						"type":        "string",
						"description": "URL of the image to analyze",
					},
					"analysis_type": map[string]any{
						"type":        "string",
						"description": "Kind of analysis to perform",
						"enum":        analysisModes,
						"default":     string(ModeComplete),
					},
				},
				"required": []string{"image_url"},
			},
		},
		validate: func(a *analyzeImageArgs) error {
			a.ImageURL = strings.TrimSpace(a.ImageURL)
			if a.ImageURL == "" {
				return missingArgument("image_url")
			}
			return nil
		},
		run: func(ctx context.Context, a analyzeImageArgs) (any, error) {
			return analyzer.Analyze(ctx, a.ImageURL, ParseAnalysisMode(a.AnalysisType))
		},
	}
}
