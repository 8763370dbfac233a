package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/pkg/whatsapp"
)

// WhatsAppTransport sends outbound messages through the WhatsApp Cloud API,
// wrapping every call in a circuit breaker (keyed per tenant) and a
// token-bucket limiter, mirroring the teacher client's retry/rate-limit
// shape without the automatic retries the engine explicitly forbids
// (spec.md §4.2 "the engine never retries outbound automatically").
type WhatsAppTransport struct {
	httpClient   *http.Client
	graphVersion string
	logger       *zap.Logger

	limiter *rate.Limiter

	mu       chanMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// chanMutex is a tiny channel-based mutex so WhatsAppTransport avoids
// importing sync solely for this one map guard.
type chanMutex chan struct{}

func newChanMutex() chanMutex { m := make(chanMutex, 1); m <- struct{}{}; return m }
func (m chanMutex) Lock()     { <-m }
func (m chanMutex) Unlock()   { m <- struct{}{} }

// NewWhatsAppTransport constructs a Transport backed by the real provider
// HTTP API. graphVersion defaults to "v20.0" per spec.md §6.4 when empty.
func NewWhatsAppTransport(graphVersion string, rps float64, logger *zap.Logger) *WhatsAppTransport {
	if graphVersion == "" {
		graphVersion = "v20.0"
	}
	if rps <= 0 {
		rps = 20
	}
	return &WhatsAppTransport{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		graphVersion: graphVersion,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)),
		mu:           newChanMutex(),
		breakers:     map[string]*gobreaker.CircuitBreaker{},
	}
}

func (t *WhatsAppTransport) breakerFor(tenantID string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[tenantID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp-" + tenantID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	t.breakers[tenantID] = b
	return b
}

// Send implements Transport. The returned error is a *CredentialError when
// the provider rejects the tenant's access token; any other error is
// treated by callers as transient (spec.md §4.2 failure model).
func (t *WhatsAppTransport) Send(ctx context.Context, tenant *domain.Tenant, recipientPhone string, msg OutboundMessage) (SendResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, errors.Wrap(err, "rate limit wait")
	}

	breaker := t.breakerFor(tenant.ID)
	raw, err := breaker.Execute(func() (interface{}, error) {
		return t.doSend(ctx, tenant, recipientPhone, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return SendResult{}, errors.Wrap(err, "circuit breaker open")
		}
		return SendResult{}, err
	}
	return raw.(SendResult), nil
}

func (t *WhatsAppTransport) doSend(ctx context.Context, tenant *domain.Tenant, recipientPhone string, msg OutboundMessage) (SendResult, error) {
	payload, err := buildOutboundPayload(recipientPhone, msg)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "build outbound payload")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "marshal outbound payload")
	}

	url := fmt.Sprintf("https://graph.facebook.com/%s/%s/messages", t.graphVersion, tenant.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+tenant.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return SendResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return SendResult{}, &CredentialError{Message: "access token expired or unauthorized: " + string(respBody)}
	}
	if resp.StatusCode >= 400 {
		if looksLikeCredentialError(respBody) {
			return SendResult{}, &CredentialError{Message: "access token expired or unauthorized"}
		}
		return SendResult{}, errors.Errorf("whatsapp api error (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed whatsapp.SendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return SendResult{}, errors.Wrap(err, "decode response")
	}
	var messageID string
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}

	return SendResult{MessageID: messageID}, nil
}

func looksLikeCredentialError(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "access token") || strings.Contains(s, "unauthorized") || strings.Contains(s, "oauth")
}

func buildOutboundPayload(to string, msg OutboundMessage) (interface{}, error) {
	switch msg.Kind {
	case KindText:
		return whatsapp.TextMessage{
			OutboundEnvelope: envelope(to, "text"),
			Text:             whatsapp.TextContent{Body: msg.Text, PreviewURL: false},
		}, nil
	case KindMedia:
		content := &whatsapp.MediaContent{Link: msg.MediaURL, Caption: msg.Caption}
		m := whatsapp.MediaMessage{OutboundEnvelope: envelope(to, msg.MediaType)}
		switch msg.MediaType {
		case "video":
			m.Video = content
		case "audio":
			m.Audio = content
		case "document":
			m.Document = content
		default:
			m.Image = content
		}
		return m, nil
	case KindOptions:
		buttons := buildButtons(msg.OptionLabels)
		return whatsapp.InteractiveButtonMessage{
			OutboundEnvelope: envelope(to, "interactive"),
			Interactive: whatsapp.InteractiveButtons{
				Type:   "button",
				Body:   whatsapp.InteractiveBody{Text: msg.OptionsText},
				Action: whatsapp.ButtonAction{Buttons: buttons},
			},
		}, nil
	case KindFlow:
		return whatsapp.FlowInviteMessage{
			OutboundEnvelope: envelope(to, "interactive"),
			Interactive: whatsapp.FlowInteractive{
				Type:   "flow",
				Header: &whatsapp.InteractiveHeader{Type: "text", Text: msg.FlowHeader},
				Body:   whatsapp.InteractiveBody{Text: msg.FlowBody},
				Footer: &whatsapp.InteractiveFooter{Text: msg.FlowFooter},
				Action: whatsapp.FlowAction{Name: "flow", Parameters: map[string]interface{}{"cta": msg.FlowCTA}},
			},
		}, nil
	case KindTemplate:
		components := make([]whatsapp.TemplateComponent, 0, len(msg.TemplateParameters))
		if len(msg.TemplateParameters) > 0 {
			params := make([]whatsapp.TemplateParameter, 0, len(msg.TemplateParameters))
			for _, p := range msg.TemplateParameters {
				params = append(params, whatsapp.TemplateParameter{Type: "text", Text: p.Value})
			}
			components = append(components, whatsapp.TemplateComponent{Type: "body", Parameters: params})
		}
		return whatsapp.TemplateMessage{
			OutboundEnvelope: envelope(to, "template"),
			Template: whatsapp.TemplatePayload{
				Name:       msg.TemplateName,
				Language:   whatsapp.TemplateLanguage{Code: msg.TemplateLanguage},
				Components: components,
			},
		}, nil
	default:
		return nil, errors.Errorf("unsupported outbound kind %q", msg.Kind)
	}
}

// BroadcastMaxButtons caps the interactive button list to what the provider
// accepts (spec.md §6.4).
const BroadcastMaxButtons = 3

func buildButtons(labels []string) []whatsapp.Button {
	n := len(labels)
	if n > BroadcastMaxButtons {
		n = BroadcastMaxButtons
	}
	out := make([]whatsapp.Button, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, whatsapp.Button{
			Type: "reply",
			Reply: whatsapp.ButtonReply{
				ID:    fmt.Sprintf("opt-%d", i),
				Title: labels[i],
			},
		})
	}
	return out
}

func envelope(to, typ string) whatsapp.OutboundEnvelope {
	return whatsapp.OutboundEnvelope{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             typ,
	}
}
