package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/privacy"
	"chatsync/pkg/chat/types"
	"chatsync/pkg/circuitbreaker"
	pkgconstants "chatsync/pkg/constants"

	"github.com/sirupsen/logrus"
)

type Client interface {
	QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error)
	QueryChannels(ctx context.Context, req types.QueryChannelsRequest) ([]types.Channel, error)
	SendMessage(ctx context.Context, channelType, channelID string, msg types.Message) (types.Message, error)
	UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error)
	DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error)
	SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error)
	DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error)
	MarkRead(ctx context.Context, channelType, channelID string) error
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	token   string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewClient(baseURL, apiKey, token string, httpClient *http.Client) Client {
	return NewClientWithLogger(baseURL, apiKey, token, httpClient, nil, nil)
}

// NewClientWithLogger creates the HTTP client. A nil breaker gets the default
// thresholds, a nil logger falls back to warn level.
func NewClientWithLogger(baseURL, apiKey, token string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeoutSec * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	if breaker == nil {
		breaker = circuitbreaker.New("chat-api", circuitbreaker.Config{
			MaxFailures: constants.DefaultCircuitBreakerMaxFailures,
			Timeout:     constants.DefaultCircuitBreakerTimeoutSec * time.Second,
			Counts:      errors.IsRetryable,
		}, logger)
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		client:  httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// channelState is the wire shape of a queried channel: metadata plus collections.
type channelState struct {
	Channel              types.Channel           `json:"channel"`
	Messages             []types.Message         `json:"messages"`
	Members              []types.Member          `json:"members"`
	Watchers             []types.User            `json:"watchers"`
	Read                 []types.ChannelUserRead `json:"read"`
	WatcherCount         int                     `json:"watcher_count"`
	Membership           *types.Member           `json:"membership,omitempty"`
	HiddenMessagesBefore time.Time               `json:"hide_messages_before,omitempty"`
}

func (s channelState) toChannel() types.Channel {
	ch := s.Channel
	if ch.CID == "" && ch.Type != "" && ch.ID != "" {
		ch.CID = ch.Identity().CID()
	}
	ch.Messages = s.Messages
	ch.Members = s.Members
	ch.Watchers = s.Watchers
	ch.Read = s.Read
	if s.WatcherCount > 0 {
		ch.WatcherCount = s.WatcherCount
	}
	if s.Membership != nil {
		ch.Membership = s.Membership
	}
	if !s.HiddenMessagesBefore.IsZero() {
		ch.HiddenMessagesBefore = s.HiddenMessagesBefore
	}
	for i := range ch.Messages {
		if ch.Messages[i].CID == "" {
			ch.Messages[i].CID = ch.CID
		}
	}
	return ch
}

type messageResponse struct {
	Message types.Message `json:"message"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) QueryChannel(ctx context.Context, channelType, channelID string, req types.QueryChannelRequest) (types.Channel, error) {
	path := fmt.Sprintf("/channels/%s/%s/query", url.PathEscape(channelType), url.PathEscape(channelID))

	var state channelState
	if err := c.do(ctx, "query_channel", http.MethodPost, path, nil, req, &state); err != nil {
		return types.Channel{}, err
	}
	ch := state.toChannel()
	if ch.Type == "" {
		ch.Type, ch.ID = channelType, channelID
		ch.CID = ch.Identity().CID()
	}
	return ch, nil
}

func (c *HTTPClient) QueryChannels(ctx context.Context, req types.QueryChannelsRequest) ([]types.Channel, error) {
	var resp struct {
		Channels []channelState `json:"channels"`
	}
	if err := c.do(ctx, "query_channels", http.MethodPost, "/channels", nil, req, &resp); err != nil {
		return nil, err
	}

	channels := make([]types.Channel, 0, len(resp.Channels))
	for _, state := range resp.Channels {
		channels = append(channels, state.toChannel())
	}
	return channels, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, channelType, channelID string, msg types.Message) (types.Message, error) {
	path := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(channelType), url.PathEscape(channelID))

	c.logger.WithFields(privacy.MaskSensitiveFields(logrus.Fields{
		"cid":        channelType + ":" + channelID,
		"message_id": msg.ID,
		"text":       msg.Text,
	})).Debug("Sending message")

	var resp messageResponse
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, messageResponse{Message: outgoing(msg)}, &resp); err != nil {
		return types.Message{}, err
	}
	return resp.Message, nil
}

func (c *HTTPClient) UpdateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if msg.ID == "" {
		return types.Message{}, errors.NewValidationError("message_id", "", "message id is required")
	}
	path := "/messages/" + url.PathEscape(msg.ID)

	var resp messageResponse
	if err := c.do(ctx, "update_message", http.MethodPost, path, nil, messageResponse{Message: outgoing(msg)}, &resp); err != nil {
		return types.Message{}, err
	}
	return resp.Message, nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string, hard bool) (types.Message, error) {
	if messageID == "" {
		return types.Message{}, errors.NewValidationError("message_id", "", "message id is required")
	}
	path := "/messages/" + url.PathEscape(messageID)

	var query url.Values
	if hard {
		query = url.Values{"hard": []string{"true"}}
	}

	var resp messageResponse
	if err := c.do(ctx, "delete_message", http.MethodDelete, path, query, nil, &resp); err != nil {
		return types.Message{}, err
	}
	return resp.Message, nil
}

func (c *HTTPClient) SendReaction(ctx context.Context, reaction types.Reaction, enforceUnique bool) (types.Message, error) {
	if reaction.MessageID == "" || reaction.Type == "" {
		return types.Message{}, errors.NewValidationError("reaction", reaction.Type, "message id and type are required")
	}
	path := fmt.Sprintf("/messages/%s/reaction", url.PathEscape(reaction.MessageID))

	payload := struct {
		Reaction      types.Reaction `json:"reaction"`
		EnforceUnique bool           `json:"enforce_unique"`
	}{
		Reaction: types.Reaction{
			MessageID: reaction.MessageID,
			Type:      reaction.Type,
			Score:     reaction.Score,
			UserID:    reaction.FetchUserID(),
		},
		EnforceUnique: enforceUnique,
	}

	var resp messageResponse
	if err := c.do(ctx, "send_reaction", http.MethodPost, path, nil, payload, &resp); err != nil {
		return types.Message{}, err
	}
	return resp.Message, nil
}

func (c *HTTPClient) DeleteReaction(ctx context.Context, messageID, reactionType string) (types.Message, error) {
	path := fmt.Sprintf("/messages/%s/reaction/%s", url.PathEscape(messageID), url.PathEscape(reactionType))

	var resp messageResponse
	if err := c.do(ctx, "delete_reaction", http.MethodDelete, path, nil, nil, &resp); err != nil {
		return types.Message{}, err
	}
	return resp.Message, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, channelType, channelID string) error {
	path := fmt.Sprintf("/channels/%s/%s/read", url.PathEscape(channelType), url.PathEscape(channelID))
	return c.do(ctx, "mark_read", http.MethodPost, path, nil, struct{}{}, nil)
}

// outgoing strips local bookkeeping that the backend does not accept.
func outgoing(msg types.Message) types.Message {
	msg.SyncStatus = ""
	msg.CreatedLocallyAt = time.Time{}
	msg.UpdatedLocallyAt = time.Time{}
	msg.OwnReactions = nil
	msg.LatestReactions = nil
	msg.ReplyTo = nil
	return msg
}

// do runs one request through the circuit breaker. A rejected call is reported
// as a network error so callers treat it like being offline.
func (c *HTTPClient) do(ctx context.Context, endpoint, method, path string, query url.Values, body, out interface{}) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, endpoint, method, path, query, body, out)
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		return errors.NewNetworkError(endpoint, err)
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, endpoint, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	params := url.Values{}
	for k, v := range query {
		params[k] = v
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(endpoint, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.WithError(err).WithField("endpoint", endpoint).Debug("Chat API request failed")
		return errors.NewNetworkError(endpoint, err)
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, pkgconstants.MaxErrorBodyBytes))
		detail := strings.TrimSpace(string(bodyBytes))
		var apiErr apiErrorBody
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Message != "" {
			detail = apiErr.Message
		}
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"body":     detail,
		}).Warn("Chat API returned error status")
		return errors.NewAPIError(path, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeChatAPI, fmt.Sprintf("failed to decode %s response", endpoint))
	}
	return nil
}
