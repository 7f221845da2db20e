package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

// LLMConfig configures an LLMOracle.
type LLMConfig struct {
	Endpoint    string
	Model       string
	APIKey      string
	MaxRetries  int
	Temperature float64
	Timeout     time.Duration // per attempt
}

// LLMOracle asks a text-generation endpoint to play the parent.
type LLMOracle struct {
	cfg    LLMConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewLLMOracle creates an oracle backed by an Ollama-compatible /api/generate endpoint.
func NewLLMOracle(cfg LLMConfig, logger zerolog.Logger) *LLMOracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &LLMOracle{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
			},
		},
		logger: logger.With().Str("component", "llm-oracle").Logger(),
	}
}

func (o *LLMOracle) Name() string { return "llm" }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Format  string          `json:"format,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

var promptTemplate = template.Must(template.New("prompt").Parse(`
You are a wise, caring parent. Your child {{.ChildName}} (Age: {{.Age}}) is asking for {{.RequestedMinutes}} more minutes on {{if .AppName}}{{.AppName}}{{else}}the tablet{{end}}.
Reason: "{{.Reason}}"
Current today usage: {{.TotalUsedMinutes}} mins. Daily limit: {{.LimitMinutes}} mins.

Make a decision (approve or deny). Be encouraging. If they have a good reason (like finishing homework or calling a friend), maybe approve. If they've already used too much time, maybe deny but suggest a non-screen activity.

Format as JSON: { "decision": "approved" | "denied", "message": string }
`))

func buildPrompt(in Input) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, in); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// Decide renders the prompt, calls the endpoint with retries, and parses the verdict.
func (o *LLMOracle) Decide(ctx context.Context, in Input) (Verdict, error) {
	prompt, err := buildPrompt(in)
	if err != nil {
		return Verdict{}, err
	}

	body := generateRequest{
		Model:   o.cfg.Model,
		Prompt:  prompt,
		Format:  "json",
		Stream:  false,
		Options: generateOptions{Temperature: o.cfg.Temperature},
	}

	var lastErr error
	attempts := 1 + o.cfg.MaxRetries

	for i := 0; i < attempts; i++ {
		verdict, err := o.attempt(ctx, body)
		if err == nil {
			return verdict, nil
		}
		lastErr = err

		o.logger.Debug().
			Err(err).
			Int("attempt", i+1).
			Str("request_id", in.RequestID).
			Msg("LLM attempt failed")

		// Don't retry once the caller has given up
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case ctx.Err() != nil, errors.Is(lastErr, context.DeadlineExceeded):
		return Verdict{}, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	case errors.Is(lastErr, ErrInvalidOutput):
		return Verdict{}, lastErr
	default:
		// Connection refused, 5xx and friends
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	}
}

func (o *LLMOracle) attempt(ctx context.Context, body generateRequest) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.doRequest(ctx, body)
	if err != nil {
		return Verdict{}, err
	}

	return ParseVerdict(resp.Response)
}

func (o *LLMOracle) doRequest(ctx context.Context, body generateRequest) (*generateResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(o.cfg.Endpoint, "/") + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	httpResp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrInvalidOutput, err)
	}

	return &resp, nil
}

// ParseVerdict extracts a verdict from raw model text. Markdown code fences
// and prose around the JSON object are tolerated.
func ParseVerdict(raw string) (Verdict, error) {
	block := extractJSONBlock(stripCodeFences(raw))
	if block == "" {
		return Verdict{}, fmt.Errorf("%w: no JSON object found in response", ErrInvalidOutput)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		if errors.Is(err, ErrInvalidOutput) {
			return Verdict{}, err
		}
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}

	return v, nil
}

// stripCodeFences removes markdown fence lines (```json, ```).
func stripCodeFences(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// extractJSONBlock finds the first balanced { ... } block in the text.
func extractJSONBlock(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}
