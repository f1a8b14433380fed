package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/config"
	"github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/store"
)

// minTranscriptChars is the threshold below which a transcription counts as
// empty: breathing noise and handset fumbling transcribe to a few characters
// at most, and such recordings are discarded instead of retried.
const minTranscriptChars = 10

const transcriptionModel = "whisper-1"

// OpenAIProcessor enriches recordings via the OpenAI HTTP API: Whisper for
// transcription, then a chat completion for metadata extraction. Each of the
// two calls is retried internally before an error is surfaced to the queue.
type OpenAIProcessor struct {
	cfg    config.EnrichConfig
	client *http.Client
	logger zerolog.Logger
}

// NewOpenAIProcessor builds a processor from the enrichment configuration.
func NewOpenAIProcessor(cfg config.EnrichConfig) *OpenAIProcessor {
	return &OpenAIProcessor{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: log.WithComponent("enrich.openai"),
	}
}

// Process implements Processor.
func (p *OpenAIProcessor) Process(ctx context.Context, path, filename string) (*store.Result, error) {
	transcript, err := p.withRetry(ctx, "transcribe", func() (string, error) {
		return p.transcribe(ctx, path, filename)
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe %s: %w", filename, err)
	}

	transcript = strings.TrimSpace(transcript)
	if len(transcript) < minTranscriptChars {
		p.logger.Info().
			Str("event", "enrich.empty_transcript").
			Str("filename", filename).
			Int("chars", len(transcript)).
			Msg("transcription too short, treating recording as empty")
		return nil, nil
	}

	raw, err := p.withRetry(ctx, "extract", func() (string, error) {
		return p.extract(ctx, transcript)
	})
	if err != nil {
		return nil, fmt.Errorf("extract metadata for %s: %w", filename, err)
	}

	result, err := p.parseExtraction(raw)
	if err != nil {
		return nil, fmt.Errorf("parse extraction for %s: %w", filename, err)
	}
	result.Transcription = transcript
	return result, nil
}

// withRetry runs fn up to MaxRetries times with a fixed delay between
// attempts. Context cancellation aborts the wait immediately.
func (p *OpenAIProcessor) withRetry(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	attempts := p.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		p.logger.Warn().
			Err(err).
			Str("event", "enrich.attempt_failed").
			Str("op", op).
			Int("attempt", attempt).
			Int("max", attempts).
			Msg("enrichment API call failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.cfg.RetryDelay):
		}
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

func (p *OpenAIProcessor) transcribe(ctx context.Context, path, filename string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.WriteField("model", transcriptionModel); err != nil {
		return "", err
	}
	if p.cfg.Language != "" {
		if err := w.WriteField("language", p.cfg.Language); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp struct {
		Text string `json:"text"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *OpenAIProcessor) extract(ctx context.Context, transcript string) (string, error) {
	payload := map[string]any{
		"model": p.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": p.extractionPrompt()},
			{"role": "user", "content": transcript},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0.2,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := p.do(req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProcessor) extractionPrompt() string {
	return fmt.Sprintf(`You analyze voicemail transcripts from a guest book phone at an event.
Respond with a JSON object with exactly these keys:
  "speaker_names": array of first names the speakers mention for themselves (empty if none),
  "category": one of [%s],
  "summary": one sentence summarizing the message,
  "confidence": number between 0 and 1 for how confident you are overall.`,
		strings.Join(p.cfg.Categories, ", "))
}

func (p *OpenAIProcessor) parseExtraction(raw string) (*store.Result, error) {
	var out struct {
		SpeakerNames []string `json:"speaker_names"`
		Category     string   `json:"category"`
		Summary      string   `json:"summary"`
		Confidence   float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}

	result := &store.Result{
		SpeakerNames: p.filterNames(out.SpeakerNames),
		Category:     p.normalizeCategory(out.Category),
		Summary:      strings.TrimSpace(out.Summary),
		Confidence:   clamp01(out.Confidence),
	}
	return result, nil
}

// filterNames drops configured ignored names (hosts, the couple, staff) so
// they never show up as guest speakers. Matching is case-insensitive.
func (p *OpenAIProcessor) filterNames(names []string) []string {
	kept := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		ignored := false
		for _, ig := range p.cfg.IgnoredNames {
			if strings.EqualFold(n, ig) {
				ignored = true
				break
			}
		}
		if !ignored {
			kept = append(kept, n)
		}
	}
	return kept
}

// normalizeCategory maps the model's answer onto the configured category set,
// falling back to "other" for anything unexpected.
func (p *OpenAIProcessor) normalizeCategory(cat string) string {
	cat = strings.ToLower(strings.TrimSpace(cat))
	for _, c := range p.cfg.Categories {
		if strings.EqualFold(c, cat) {
			return c
		}
	}
	return "other"
}

func (p *OpenAIProcessor) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return json.Unmarshal(body, out)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
