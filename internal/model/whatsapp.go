package model

// WebhookPayload is the envelope the WhatsApp Cloud API pushes to /webhook.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups changes for one business account.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange carries one change notification.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue holds inbound messages and delivery statuses.
type WebhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []InboundMessage  `json:"messages,omitempty"`
	Statuses         []map[string]any  `json:"statuses,omitempty"`
	Contacts         []WebhookContact  `json:"contacts,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// WebhookContact describes the sender profile.
type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message sent by a patient.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// TextMessages returns every text message in the payload in delivery order.
func (p *WebhookPayload) TextMessages() []InboundMessage {
	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type == "text" && msg.Text != nil && msg.From != "" {
					out = append(out, msg)
				}
			}
		}
	}
	return out
}

// OutboundText is the body sent to the Cloud API messages endpoint.
type OutboundText struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type,omitempty"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             OutboundTextBody `json:"text"`
}

// OutboundTextBody is the text part of an outbound message.
type OutboundTextBody struct {
	Body string `json:"body"`
}
