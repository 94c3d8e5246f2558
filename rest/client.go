// Package rest fetches the baselines the live layer builds on: conversation
// lists, message windows and search results.
package rest

import (
	"bytes"
	"chat-sync/contract"
	"chat-sync/domain"
	"chat-sync/errors"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultRetryMaxElapsed = 15 * time.Second
)

type Options struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

// envelope is the response shape of every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type conversationWindow struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

type unreadCount struct {
	Count int `json:"count"`
}

type createConversationRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

type Client struct {
	log  *slog.Logger
	http *http.Client
	opts Options
}

var _ contract.IRestClient = (*Client)(nil)

func NewClient(log *slog.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = DefaultRetryMaxElapsed
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		log:  log,
		http: &http.Client{Transport: tr, Timeout: opts.Timeout},
		opts: opts,
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// GetConversation returns a conversation and the window of messages before the given time,
// the newest window when before is nil.
func (c *Client) GetConversation(ctx context.Context, conversationID string, limit int,
	before *time.Time) (domain.Conversation, []domain.Message, error) {
	if conversationID == "" {
		return domain.Conversation{}, nil, errors.ErrMissingConversation
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var window conversationWindow
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), query, nil, &window); err != nil {
		return domain.Conversation{}, nil, err
	}
	return window.Conversation, confirmAll(window.Messages), nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var count unreadCount
	if err := c.do(ctx, http.MethodGet, "/conversations/unread-count", nil, nil, &count); err != nil {
		return 0, err
	}
	return count.Count, nil
}

func (c *Client) SearchMessages(ctx context.Context, conversationID, query string) ([]domain.Message, error) {
	if conversationID == "" {
		return nil, errors.ErrMissingConversation
	}
	var messages []domain.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages/search"
	if err := c.do(ctx, http.MethodGet, path, url.Values{"q": {query}}, nil, &messages); err != nil {
		return nil, err
	}
	return confirmAll(messages), nil
}

func (c *Client) CreateConversation(ctx context.Context, name string, participantIDs []string) (domain.Conversation, error) {
	var conversation domain.Conversation
	body := createConversationRequest{Name: name, ParticipantIDs: participantIDs}
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &conversation); err != nil {
		return domain.Conversation{}, err
	}
	return conversation, nil
}

// do runs one call with exponential backoff. Network errors and 5xx are retried,
// any other status or a success=false envelope fails at once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%w: %w", errors.ErrInvalidPayload, err)
		}
	}
	target := c.opts.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var env envelope
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.opts.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.Token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: %s %s returned %d", errors.ErrRestFailure, method, path, resp.StatusCode)
		}
		env = envelope{}
		decodeErr := json.NewDecoder(resp.Body).Decode(&env)
		if resp.StatusCode >= http.StatusBadRequest {
			return backoff.Permanent(fmt.Errorf("%w: %s %s returned %d %s",
				errors.ErrRestFailure, method, path, resp.StatusCode, env.Message))
		}
		if decodeErr != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode %s: %w", errors.ErrRestFailure, path, decodeErr))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.opts.RetryMaxElapsed
	notify := func(err error, wait time.Duration) {
		c.log.Debug("Retrying REST call", "method", method, "path", path, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: %s %s: %s", errors.ErrRestFailure, method, path, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s data: %w", errors.ErrRestFailure, path, err)
	}
	return nil
}

// confirmAll marks server records as authoritative.
func confirmAll(messages []domain.Message) []domain.Message {
	for i := range messages {
		messages[i].State = domain.Confirmed
	}
	return messages
}
