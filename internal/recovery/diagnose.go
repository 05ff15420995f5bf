package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/warden/internal/queue"
)

// Proposal is what a diagnoser returns: a free-text root cause and the
// actions it suggests. Proposals are untrusted.
type Proposal struct {
	RootCause  string   `json:"root_cause"`
	Confidence float64  `json:"confidence,omitempty"`
	Actions    []Action `json:"actions"`
}

// Diagnoser turns recent log lines into a Proposal.
type Diagnoser interface {
	Diagnose(ctx context.Context, logs []string) (Proposal, error)
}

// ReportDiagnoser is implemented by diagnosers that can take the preflight
// report gathered at trigger time alongside the logs.
type ReportDiagnoser interface {
	DiagnoseReport(ctx context.Context, logs []string, report string) (Proposal, error)
}

// DiagnoserFunc adapts a function to Diagnoser.
type DiagnoserFunc func(ctx context.Context, logs []string) (Proposal, error)

func (f DiagnoserFunc) Diagnose(ctx context.Context, logs []string) (Proposal, error) {
	return f(ctx, logs)
}

// Pattern maps a log regexp to a cause and the actions that address it.
type Pattern struct {
	Match   *regexp.Regexp
	Cause   string
	Actions []Action
}

// RuleDiagnoser matches log lines against fixed patterns. Every matching
// pattern contributes its actions once.
type RuleDiagnoser struct {
	Patterns []Pattern
}

// DefaultPatterns recognizes the failures the default allowlist can fix.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Match:   regexp.MustCompile(`(?i)(lock file|\.lock).*(exists|held|in use)`),
			Cause:   "stale lock file",
			Actions: []Action{{Type: ActionRemoveFile, Path: "logs/app.lock"}},
		},
		{
			Match:   regexp.MustCompile(`(?i)no such file or directory.*\blogs\b`),
			Cause:   "missing logs directory",
			Actions: []Action{{Type: ActionCreateDir, Path: "logs"}},
		},
		{
			Match:   regexp.MustCompile(`(?i)permission denied.*\blogs\b`),
			Cause:   "log directory not writable",
			Actions: []Action{{Type: ActionSetPermissions, Path: "logs", Mode: "0755"}},
		},
		{
			Match:   regexp.MustCompile(`(?i)(corrupt|invalid).*cache`),
			Cause:   "corrupt cache",
			Actions: []Action{{Type: ActionClearDir, Path: "cache"}},
		},
	}
}

func NewRuleDiagnoser(patterns ...Pattern) *RuleDiagnoser {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &RuleDiagnoser{Patterns: patterns}
}

func (d *RuleDiagnoser) Diagnose(_ context.Context, logs []string) (Proposal, error) {
	var causes []string
	var p Proposal
	for _, pat := range d.Patterns {
		if pat.Match == nil {
			continue
		}
		for _, line := range logs {
			if pat.Match.MatchString(line) {
				causes = append(causes, pat.Cause)
				p.Actions = append(p.Actions, pat.Actions...)
				break
			}
		}
	}
	if len(causes) == 0 {
		p.RootCause = "heuristic-only"
		return p, nil
	}
	p.RootCause = strings.Join(causes, "; ")
	p.Confidence = 0.5
	return p, nil
}

// DiagnosisLane is the queue lane used for model-backed diagnosis calls.
const DiagnosisLane = "diagnosis"

const diagnosisPrompt = `You are a process recovery assistant. Analyze the failure logs and return JSON only:
{"root_cause":"...","confidence":0.0,"actions":[{"type":"remove_file|create_dir|clear_dir|set_permissions|set_env","path":"relative/path","key":"ENV_KEY","value":"ENV_VALUE","mode":"0755"}]}
Only propose safe actions. Do not propose shell commands.`

// HTTPDiagnoser asks a model endpoint for a diagnosis. Calls go through the
// request queue so they share rate limits and retry policy with other
// outbound traffic.
type HTTPDiagnoser struct {
	Queue     *queue.Queue
	Lane      string
	Model     string
	MaxTokens int
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (d *HTTPDiagnoser) Diagnose(ctx context.Context, logs []string) (Proposal, error) {
	return d.DiagnoseReport(ctx, logs, "")
}

// DiagnoseReport is Diagnose with a preflight report appended to the prompt.
func (d *HTTPDiagnoser) DiagnoseReport(ctx context.Context, logs []string, report string) (Proposal, error) {
	if d.Queue == nil {
		return Proposal{}, errors.New("diagnoser has no queue")
	}
	lane := d.Lane
	if lane == "" {
		lane = DiagnosisLane
	}
	maxTokens := d.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 700
	}
	var b strings.Builder
	b.WriteString(diagnosisPrompt)
	b.WriteString("\n\nRecent logs:\n")
	b.WriteString(strings.Join(logs, "\n"))
	if report != "" {
		b.WriteString("\n\nPreflight report:\n")
		b.WriteString(report)
	}
	req := messagesRequest{
		Model:     d.Model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: b.String()}},
	}
	res, err := d.Queue.Enqueue(ctx, lane, req)
	if err != nil {
		return Proposal{}, fmt.Errorf("diagnosis request: %w", err)
	}
	return ParseProposal(res.Response.Body)
}

// ParseProposal reads a Proposal from a model response body. Text content
// blocks are concatenated when present, otherwise the raw body is used.
func ParseProposal(body []byte) (Proposal, error) {
	text := string(body)
	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Content) > 0 {
		var parts []string
		for _, c := range envelope.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		if len(parts) > 0 {
			text = strings.Join(parts, "\n")
		}
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return Proposal{}, err
	}
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	if p.RootCause == "" && len(p.Actions) == 0 {
		return Proposal{}, errors.New("proposal has neither root_cause nor actions")
	}
	return p, nil
}

// ErrNoJSON is returned when text contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found")

// ExtractJSON returns the JSON object in text. The whole text is tried first,
// then the span from the first '{' to the last '}'.
func ExtractJSON(text string) (json.RawMessage, error) {
	t := bytes.TrimSpace([]byte(text))
	if len(t) == 0 {
		return nil, ErrNoJSON
	}
	if isObject(t) {
		return t, nil
	}
	start := bytes.IndexByte(t, '{')
	end := bytes.LastIndexByte(t, '}')
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	if span := t[start : end+1]; isObject(span) {
		return span, nil
	}
	return nil, ErrNoJSON
}

func isObject(b []byte) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(b, &m) == nil && m != nil
}
