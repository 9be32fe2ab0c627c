package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var quotaCodes = map[string]bool{
	"insufficient_quota":         true,
	"billing_hard_limit":         true,
	"billing_hard_limit_reached": true,
	"quota_exceeded":             true,
	"insufficient_credits":       true,
}

// errorBody captures the error shapes the supported providers return.
type errorBody struct {
	Code    string
	Type    string
	Message string
}

func parseErrorBody(body []byte) errorBody {
	var raw map[string]any
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return errorBody{Message: truncate(strings.TrimSpace(string(body)), 200)}
	}

	var eb errorBody
	switch v := raw["error"].(type) {
	case map[string]any:
		eb.Code, _ = v["code"].(string)
		eb.Type, _ = v["type"].(string)
		eb.Message, _ = v["message"].(string)
	case string:
		eb.Message = v
	}
	if eb.Code == "" {
		eb.Code, _ = raw["code"].(string)
	}
	if eb.Message == "" {
		for _, k := range []string{"detail", "message", "failure"} {
			if s, ok := raw[k].(string); ok {
				eb.Message = s
				break
			}
		}
	}
	return eb
}

func (eb errorBody) isQuota() bool {
	return quotaCodes[strings.ToLower(eb.Code)] || quotaCodes[strings.ToLower(eb.Type)]
}

// classifyResponse is the classification shared by the built-in adapters.
func classifyResponse(providerID string, status int, body []byte, err error) *GenerationError {
	if err != nil {
		msg := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "attempt timed out"
		}
		return newError(KindTransient, providerID, 0, msg, err)
	}

	if status >= 200 && status < 300 {
		return nil
	}

	eb := parseErrorBody(body)
	msg := eb.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusPaymentRequired, eb.isQuota():
		return newError(KindQuota, providerID, status, msg, ErrQuotaExceeded)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return newError(KindTransient, providerID, status, msg, ErrTransient)
	default:
		return newError(KindPermanent, providerID, status, msg, ErrPermanent)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
