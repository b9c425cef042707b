package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// SendOutcome is the tagged result of a fallback delivery attempt. Reason
// is set whenever OK is false; nothing is thrown past the boundary.
type SendOutcome struct {
	OK      bool
	Message *Message
	Reason  string
}

// FallbackClient issues the one-shot REST calls used when the realtime
// transport is unavailable or declined a send. Exactly one network attempt
// per call; retrying is the caller's decision.
type FallbackClient struct {
	baseURL    string
	credential func() string
	client     *fasthttp.Client
	timeout    time.Duration
	log        *slog.Logger
}

func NewFallbackClient(baseURL string, credential func() string, timeout time.Duration, logger *slog.Logger) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if credential == nil {
		credential = func() string { return "" }
	}
	return &FallbackClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		client:     &fasthttp.Client{},
		timeout:    timeout,
		log:        logger,
	}
}

// SendMessage delivers one message over REST and returns the canonical
// confirmed message on success. Content must be non-empty after trimming;
// an unset channel defaults to webchat.
func (f *FallbackClient) SendMessage(conversationID, clientID, content string, channel Channel) SendOutcome {
	content = strings.TrimSpace(content)
	if content == "" {
		return SendOutcome{Reason: "message content is empty"}
	}
	if conversationID == "" {
		return SendOutcome{Reason: "missing conversation id"}
	}
	if channel == "" {
		channel = ChannelWebchat
	}

	body, err := json.Marshal(SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       clientID,
		Content:        content,
		Channel:        channel,
	})
	if err != nil {
		return SendOutcome{Reason: fmt.Sprintf("encode request: %v", err)}
	}

	status, respBody, err := f.do(fasthttp.MethodPost, "/api/messages", body)
	if err != nil {
		return SendOutcome{Reason: fmt.Sprintf("network: %v", err)}
	}
	if status < 200 || status > 299 {
		return SendOutcome{Reason: reasonFromBody(respBody, status)}
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil || msg.ID == "" {
		return SendOutcome{Reason: "malformed send response"}
	}
	msg.Status = StatusConfirmed
	return SendOutcome{OK: true, Message: &msg}
}

// MarkRead issues the read-mark acknowledgement call. One attempt.
func (f *FallbackClient) MarkRead(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("missing conversation id")
	}
	body, err := json.Marshal(MarkReadPayload{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	status, respBody, err := f.do(fasthttp.MethodPost, "/api/messages/read", body)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("mark read: %s", reasonFromBody(respBody, status))
	}
	return nil
}

// History fetches the ordered message history used to seed a conversation
// on first activation. A malformed body is coerced to an empty history
// rather than surfaced as an error.
func (f *FallbackClient) History(conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("missing conversation id")
	}
	status, respBody, err := f.do(fasthttp.MethodGet, "/api/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("history: %s", reasonFromBody(respBody, status))
	}
	var history []Message
	if err := json.Unmarshal(respBody, &history); err != nil {
		f.log.Warn("malformed history body, treating as empty", "conversation_id", conversationID)
		return []Message{}, nil
	}
	return history, nil
}

func (f *FallbackClient) do(method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if token := f.credential(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.SetBody(body)
	}

	if err := f.client.DoTimeout(req, resp, f.timeout); err != nil {
		return 0, nil, err
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

func reasonFromBody(body []byte, status int) string {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Reason != "" {
		return payload.Reason
	}
	return fmt.Sprintf("unexpected status %d", status)
}
