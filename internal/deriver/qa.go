package deriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/promecarus/tax-rag/internal/regulation"
)

// Sentinel marks a QA pair that could not be generated within a bounded
// retry policy. The repair pass scans for it and regenerates those rows.
const Sentinel = "Failed to generate."

const (
	// MinPairs and MaxPairs bound the accepted QA list size; responses
	// outside the range are treated as schema violations and retried.
	MinPairs = 2
	MaxPairs = 10
)

const qaPrompt = `Buatlah daftar pertanyaan dan jawaban berdasarkan isi peraturan tersebut, dalam bahasa Indonesia yang jelas dan mudah dipahami.

Keluaran yang diharapkan adalah dalam bentuk JSON object dengan satu field "qa_list" berisi array, di mana setiap item adalah objek yang memiliki dua field:
- "question": pertanyaan yang relevan berdasarkan isi peraturan
- "answer": jawaban lengkap dan benar atas pertanyaan tersebut, berdasarkan isi peraturan, jangan gunakan kata "itu" atau "ini" dalam jawaban, gunakan kalimat yang jelas dan lengkap

Gunakan bahasa yang natural namun tetap formal. Minimal 2 pasang pertanyaan dan jawaban, maksimal 10, jangan kurang atau lebih dari itu.`

// QAPair is one generated question/answer pair.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type qaList struct {
	QAList []QAPair `json:"qa_list"`
}

// QAGenerator derives QA pair documents from regulation bodies via the LLM.
type QAGenerator struct {
	client     *openai.Client
	model      string
	newBackoff func() backoff.BackOff
	logger     *slog.Logger
	calls      int
}

// QAOption configures a QAGenerator.
type QAOption func(*QAGenerator)

// WithQARetryPolicy replaces the retry policy. The default retries forever:
// the job runs unattended and eventual completion beats bounded latency.
// Tests and repair callers inject a bounded policy.
func WithQARetryPolicy(factory func() backoff.BackOff) QAOption {
	return func(g *QAGenerator) { g.newBackoff = factory }
}

// WithQALogger sets the structured logger.
func WithQALogger(logger *slog.Logger) QAOption {
	return func(g *QAGenerator) { g.logger = logger }
}

// NewQAGenerator creates a generator bound to one run. The call counter is
// scoped to the instance, so concurrent runs and tests never interfere.
func NewQAGenerator(client *openai.Client, model string, opts ...QAOption) *QAGenerator {
	g := &QAGenerator{
		client: client,
		model:  model,
		newBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(100 * time.Millisecond)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Calls reports how many generation calls this instance has issued. Progress
// reporting only; correctness never depends on it.
func (g *QAGenerator) Calls() int { return g.calls }

// Generate produces a validated QA list for one regulation body. Transport
// errors, malformed JSON and schema violations are all absorbed by the retry
// policy; the error return is non-nil only once the policy gives up.
func (g *QAGenerator) Generate(ctx context.Context, body string) ([]QAPair, error) {
	var pairs []QAPair

	operation := func() error {
		g.calls++
		resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(body),
				openai.UserMessage(qaPrompt),
			},
			Model:       openai.ChatModel(g.model),
			Temperature: openai.Float(0),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		})
		if err != nil {
			g.logger.Warn("QA generation retrying", "call", g.calls, "error", err)
			return err
		}

		got, err := parseQAList(resp.Choices[0].Message.Content)
		if err != nil {
			g.logger.Warn("QA generation retrying", "call", g.calls, "error", err)
			return err
		}
		pairs = got
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(g.newBackoff(), ctx))
	if err != nil {
		return nil, fmt.Errorf("generate qa: %w", err)
	}
	g.logger.Debug("QA list generated", "call", g.calls, "pairs", len(pairs))
	return pairs, nil
}

// parseQAList validates a raw model response against the fixed schema:
// an object with a qa_list array of 2-10 items, each with a non-empty
// question and answer.
func parseQAList(raw string) ([]QAPair, error) {
	var list qaList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if n := len(list.QAList); n < MinPairs || n > MaxPairs {
		return nil, fmt.Errorf("qa_list has %d items, want %d-%d", n, MinPairs, MaxPairs)
	}
	for i, p := range list.QAList {
		if p.Question == "" || p.Answer == "" {
			return nil, fmt.Errorf("qa_list item %d has an empty field", i)
		}
	}
	return list.QAList, nil
}

// Derive builds the QA documents for one regulation. When the retry policy
// is exhausted, a single sentinel pair is emitted instead of failing the run,
// so the repair pass can find and regenerate exactly this permalink.
func (g *QAGenerator) Derive(ctx context.Context, reg regulation.Regulation) ([]Document, error) {
	pairs, err := g.Generate(ctx, reg.BodyText)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		g.logger.Warn("QA generation exhausted retries, writing sentinel",
			"permalink", reg.Permalink, "error", err)
		pairs = []QAPair{{Question: Sentinel, Answer: Sentinel}}
	}
	return PairsToDocuments(reg, pairs), nil
}

// PairsToDocuments assigns 1-based sequence IDs and attaches regulation
// metadata to a QA list. The question is the indexed text; the answer rides
// in the metadata, mirroring how retrieval presents both.
func PairsToDocuments(reg regulation.Regulation, pairs []QAPair) []Document {
	docs := make([]Document, len(pairs))
	for i, p := range pairs {
		docs[i] = Document{
			ID:   fmt.Sprintf("%s#%d", reg.Permalink, i+1),
			Text: p.Question,
			Metadata: Metadata{
				Permalink:      reg.Permalink,
				DocumentStatus: reg.DocumentStatus,
				Topics:         reg.Topics,
				Type:           reg.Type,
				Number:         reg.Number,
				Answer:         p.Answer,
			},
		}
	}
	return docs
}
