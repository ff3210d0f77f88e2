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
	"strconv"
	"strings"
	"time"

	"example.com/aria2bot/internal/notify"
	"example.com/aria2bot/internal/render"
)

// Client is a minimal Bot API client over plain HTTP: long-poll updates,
// messages with inline keyboards, edits, callback answers and file downloads.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		baseURL: "https://api.telegram.org",
		http: &http.Client{
			// Above the long-poll timeout so getUpdates can idle.
			Timeout: 70 * time.Second,
		},
	}
}

func (c *Client) GetUpdates(ctx context.Context, offset int, timeout time.Duration) ([]Update, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	u, err := url.Parse(fmt.Sprintf("%s/bot%s/getUpdates", c.baseURL, c.token))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	q.Set("allowed_updates", `["message","callback_query"]`)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return doRequest[[]Update](c, req)
}

// SendMessage sends a payload as a fresh message and returns its message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, p render.Payload) (int, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    p.Text,
	}
	if kb := keyboard(p.Buttons); kb != nil {
		body["reply_markup"] = kb
	}
	msg, err := c.post(ctx, "sendMessage", body)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendReply sends plain text in reply to a message. replyTo may be 0.
func (c *Client) SendReply(ctx context.Context, chatID int64, replyTo int, text string) error {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo != 0 {
		body["reply_parameters"] = map[string]any{"message_id": replyTo}
	}
	_, err := c.post(ctx, "sendMessage", body)
	return err
}

// EditMessage replaces a message's text and keyboard. Editing to identical
// content is not an error; the notifier's dedup makes it rare, but a restart
// loses the hash state.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, p render.Payload) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       p.Text,
	}
	if kb := keyboard(p.Buttons); kb != nil {
		body["reply_markup"] = kb
	}
	_, err := c.post(ctx, "editMessageText", body)
	if errors.Is(err, errNotModified) {
		return nil
	}
	return err
}

// AnswerCallback shows a short toast tied to a button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	body := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		body["text"] = text
	}
	req, err := c.newPost(ctx, "answerCallbackQuery", body)
	if err != nil {
		return err
	}
	_, err = doRequest[bool](c, req)
	return err
}

// DownloadFile fetches a document's bytes, refusing anything over limit.
func (c *Client) DownloadFile(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	req, err := c.newPost(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	file, err := doRequest[File](c, req)
	if err != nil {
		return nil, err
	}
	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(dlReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("telegram file download status: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, method string, body map[string]any) (Message, error) {
	req, err := c.newPost(ctx, method, body)
	if err != nil {
		return Message{}, err
	}
	return doRequest[Message](c, req)
}

func (c *Client) newPost(ctx context.Context, method string, body any) (*http.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method),
		bytes.NewReader(encoded),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type apiResponse[T any] struct {
	Ok          bool                `json:"ok"`
	Result      T                   `json:"result"`
	Description string              `json:"description"`
	ErrorCode   int                 `json:"error_code"`
	Parameters  *responseParameters `json:"parameters"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after"`
}

// errNotModified marks an edit whose content already matched; callers treat
// it as success.
var errNotModified = errors.New("message is not modified")

func doRequest[T any](c *Client, req *http.Request) (T, error) {
	var zero T
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var res apiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return zero, fmt.Errorf("telegram decode (%s): %w", resp.Status, err)
	}
	if res.Ok {
		return res.Result, nil
	}
	return zero, apiError(res.ErrorCode, res.Description, retryAfter(res.Parameters))
}

func retryAfter(p *responseParameters) time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.RetryAfter) * time.Second
}

// apiError maps Bot API failures onto the notifier's error kinds: 429 feeds
// the pacing state, dead messages trigger rebinding, the rest surface as-is.
func apiError(code int, description string, after time.Duration) error {
	switch {
	case code == http.StatusTooManyRequests:
		if after <= 0 {
			after = time.Second
		}
		return &notify.RateLimitedError{RetryAfter: after}
	case strings.Contains(description, "message is not modified"):
		return errNotModified
	case strings.Contains(description, "message to edit not found"),
		strings.Contains(description, "message can't be edited"),
		code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", notify.ErrMessageGone, description)
	default:
		return fmt.Errorf("telegram: %s (code %d)", description, code)
	}
}

func keyboard(rows [][]render.Button) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		r := make([]map[string]string, 0, len(row))
		for _, b := range row {
			r = append(r, map[string]string{
				"text":          b.Label,
				"callback_data": b.Data,
			})
		}
		kb = append(kb, r)
	}
	return map[string]any{"inline_keyboard": kb}
}

type Update struct {
	UpdateID      int            `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

type Message struct {
	MessageID int       `json:"message_id"`
	From      *User     `json:"from"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text"`
	Document  *Document `json:"document"`
}

type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}
