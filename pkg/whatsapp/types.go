// Package whatsapp provides the WhatsApp Cloud API wire types the
// orchestrator's Transport must produce and the Inbound Dispatcher must
// parse. It carries no business logic of its own — see internal/engine and
// internal/dispatcher for that.
package whatsapp

import "encoding/json"

// InboundWebhook is the abridged provider webhook payload shape (spec.md
// §6.1).
type InboundWebhook struct {
	Object string          `json:"object"`
	Entry  []WebhookEntry  `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Value WebhookValue `json:"value"`
	Field string       `json:"field"`
}

type WebhookValue struct {
	Metadata         WebhookMetadata    `json:"metadata"`
	Contacts         []WebhookContact   `json:"contacts,omitempty"`
	Messages         []InboundMessage   `json:"messages,omitempty"`
	Statuses         []StatusCallback   `json:"statuses,omitempty"`
}

type WebhookMetadata struct {
	PhoneNumberID            string `json:"phone_number_id"`
	WhatsAppBusinessAccountID string `json:"whatsapp_business_account_id,omitempty"`
	DisplayPhoneNumber       string `json:"display_phone_number,omitempty"`
}

type WebhookContact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

type Profile struct {
	Name string `json:"name,omitempty"`
}

// InboundMessage is one entry of value.messages.
type InboundMessage struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Type        string       `json:"type"`
	Text        *TextBody    `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

type TextBody struct {
	Body string `json:"body"`
}

type Interactive struct {
	Type        string       `json:"type"`
	ButtonReply *ReplyOption `json:"button_reply,omitempty"`
	ListReply   *ReplyOption `json:"list_reply,omitempty"`
}

type ReplyOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// StatusCallback is one entry of value.statuses.
type StatusCallback struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Timestamp    string        `json:"timestamp"`
	RecipientID  string        `json:"recipient_id,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Pricing      *Pricing      `json:"pricing,omitempty"`
	Errors       []StatusError `json:"errors,omitempty"`
}

type Conversation struct {
	ID     string          `json:"id"`
	Origin *ConversationOrigin `json:"origin,omitempty"`
}

type ConversationOrigin struct {
	Type string `json:"type,omitempty"`
}

type Pricing struct {
	Billable      bool   `json:"billable,omitempty"`
	PricingModel  string `json:"pricing_model,omitempty"`
}

type StatusError struct {
	Code      int             `json:"code"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	ErrorData *StatusErrorData `json:"error_data,omitempty"`
}

type StatusErrorData struct {
	Details string `json:"details,omitempty"`
}

// OutboundEnvelope is the common envelope every outbound payload shares.
type OutboundEnvelope struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
}

// TextMessage is an outbound text payload (spec.md §6.2).
type TextMessage struct {
	OutboundEnvelope
	Text TextContent `json:"text"`
}

type TextContent struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

// MediaMessage is an outbound media payload, keyed by MediaType
// (image|video|audio|document).
type MediaMessage struct {
	OutboundEnvelope
	Image    *MediaContent `json:"image,omitempty"`
	Video    *MediaContent `json:"video,omitempty"`
	Audio    *MediaContent `json:"audio,omitempty"`
	Document *MediaContent `json:"document,omitempty"`
}

type MediaContent struct {
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// InteractiveButtonMessage is the outbound "options" payload, limited to
// BROADCAST_MAX_BUTTONS entries (spec.md §6.2, §6.4).
type InteractiveButtonMessage struct {
	OutboundEnvelope
	Interactive InteractiveButtons `json:"interactive"`
}

type InteractiveButtons struct {
	Type   string        `json:"type"`
	Body   InteractiveBody `json:"body"`
	Action ButtonAction  `json:"action"`
}

type InteractiveBody struct {
	Text string `json:"text"`
}

type ButtonAction struct {
	Buttons []Button `json:"buttons"`
}

type Button struct {
	Type  string     `json:"type"`
	Reply ButtonReply `json:"reply"`
}

type ButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// FlowInviteMessage is the outbound whatsapp_flow payload.
type FlowInviteMessage struct {
	OutboundEnvelope
	Interactive FlowInteractive `json:"interactive"`
}

type FlowInteractive struct {
	Type   string            `json:"type"`
	Header *InteractiveHeader `json:"header,omitempty"`
	Body   InteractiveBody   `json:"body"`
	Footer *InteractiveFooter `json:"footer,omitempty"`
	Action FlowAction        `json:"action"`
}

type InteractiveHeader struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type InteractiveFooter struct {
	Text string `json:"text"`
}

type FlowAction struct {
	Name string `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TemplateMessage is an outbound template payload.
type TemplateMessage struct {
	OutboundEnvelope
	Template TemplatePayload `json:"template"`
}

type TemplatePayload struct {
	Name       string               `json:"name"`
	Language   TemplateLanguage     `json:"language"`
	Components []TemplateComponent  `json:"components,omitempty"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type TemplateComponent struct {
	Type       string                `json:"type"`
	Parameters []TemplateParameter   `json:"parameters"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendResponse is the subset of a successful provider response the
// Transport needs: the assigned message id.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MarshalCompact renders v as compact JSON, returning "" if v cannot be
// marshaled.
func MarshalCompact(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
