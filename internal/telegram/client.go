package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

const DefaultAPIURL = "https://api.telegram.org"

// Config configures the Bot API client.
type Config struct {
	Token  string
	APIURL string

	// PollWait is the server-side long-poll wait sent with getUpdates.
	PollWait time.Duration
	// SendTimeout bounds every request other than a long poll.
	SendTimeout time.Duration
}

// Client speaks the subset of the Bot API the relay needs. Each request
// runs under the caller's context, so cancelling it aborts a held long poll.
type Client struct {
	cfg  Config
	base string
	log  logx.Logger

	poll *http.Client
	send *http.Client
}

// UpdatesRequest selects updates after a cursor.
// Offset 0 means "no cursor"; -1 asks for the most recent update only.
type UpdatesRequest struct {
	Offset  int64
	Limit   int
	Timeout time.Duration
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	api := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if api == "" {
		api = DefaultAPIURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		base: api + "/bot" + strings.TrimSpace(cfg.Token) + "/",
		log:  log,
		// The server ends idle polls; the margin keeps the client from racing it.
		poll: &http.Client{Timeout: cfg.PollWait + 5*time.Second},
		send: &http.Client{Timeout: cfg.SendTimeout},
	}, nil
}

// PollWait returns the configured long-poll wait.
func (c *Client) PollWait() time.Duration { return c.cfg.PollWait }

// GetUpdates fetches updates, holding the request open for up to req.Timeout.
func (c *Client) GetUpdates(ctx context.Context, req UpdatesRequest) ([]tele.Update, error) {
	payload := struct {
		Offset  int64 `json:"offset,omitempty"`
		Limit   int   `json:"limit,omitempty"`
		Timeout int   `json:"timeout,omitempty"`
	}{
		Offset:  req.Offset,
		Limit:   req.Limit,
		Timeout: int(req.Timeout / time.Second),
	}
	client := c.send
	if req.Timeout > 0 {
		client = c.poll
	}

	env, _, err := c.call(ctx, client, "getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var ups []tele.Update
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &ups); err != nil {
			return nil, fmt.Errorf("telegram getUpdates: decode result: %w", err)
		}
	}
	return ups, nil
}

// Latest returns the most recent pending update, or nil when there is none.
func (c *Client) Latest(ctx context.Context) (*tele.Update, error) {
	ups, err := c.GetUpdates(ctx, UpdatesRequest{Offset: -1, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(ups) == 0 {
		return nil, nil
	}
	return &ups[len(ups)-1], nil
}

// SendText delivers text to addr and returns the raw acknowledgement body.
func (c *Client) SendText(ctx context.Context, addr ChatID, text string) (json.RawMessage, error) {
	if addr == "" {
		return nil, errors.New("telegram sendMessage: empty chat id")
	}
	payload := struct {
		ChatID                ChatID `json:"chat_id"`
		Text                  string `json:"text"`
		DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	}{ChatID: addr, Text: text}

	_, raw, err := c.call(ctx, c.send, "sendMessage", payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// SendLog satisfies logx.Sender.
func (c *Client) SendLog(ctx context.Context, chatID int64, text string) error {
	payload := struct {
		ChatID                int64  `json:"chat_id"`
		Text                  string `json:"text"`
		DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	}{ChatID: chatID, Text: text, DisableWebPagePreview: true}
	_, _, err := c.call(ctx, c.send, "sendMessage", payload)
	return err
}

// Me returns the bot's own account (getMe).
func (c *Client) Me(ctx context.Context) (*tele.User, error) {
	env, _, err := c.call(ctx, c.send, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u tele.User
	if err := json.Unmarshal(env.Result, &u); err != nil {
		return nil, fmt.Errorf("telegram getMe: decode result: %w", err)
	}
	return &u, nil
}

func (c *Client) call(ctx context.Context, client *http.Client, method string, payload any) (envelope, json.RawMessage, error) {
	var env envelope

	body := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return env, nil, err
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+method, bytes.NewReader(body))
	if err != nil {
		return env, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// The request URL carries the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = "bot<token>/" + method
		}
		return env, nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, nil, fmt.Errorf("telegram %s: read response: %w", method, err)
	}
	decErr := json.Unmarshal(raw, &env)

	if resp.StatusCode/100 != 2 || (decErr == nil && !env.OK) {
		return env, raw, &APIError{
			Method:      method,
			HTTPStatus:  resp.StatusCode,
			Code:        env.ErrorCode,
			Description: env.Description,
		}
	}
	if decErr != nil {
		return env, raw, fmt.Errorf("telegram %s: decode response: %w", method, decErr)
	}

	c.log.Debug("telegram call ok", logx.String("method", method), logx.Int("bytes", len(raw)))
	return env, json.RawMessage(raw), nil
}
