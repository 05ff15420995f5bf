package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxResponseBytes = 8 << 20

// HTTPCaller sends the payload as JSON and treats any non-2xx as a StatusError.
// A payload of type []byte or json.RawMessage is sent as-is. Method defaults
// to POST.
type HTTPCaller struct {
	URL    string
	Method string
	Header http.Header
	Client *http.Client
}

func (h *HTTPCaller) Call(ctx context.Context, payload any) (Response, error) {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		body = b
	}
	method := h.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{Status: resp.StatusCode, Body: raw}, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	out := Response{Status: resp.StatusCode, Body: raw}
	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Usage != nil {
		out.Usage = *envelope.Usage
	}
	return out, nil
}
