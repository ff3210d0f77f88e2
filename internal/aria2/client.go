// Package aria2 implements the engine contract against aria2's JSON-RPC
// interface (HTTP POST to /jsonrpc).
package aria2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"example.com/aria2bot/internal/domain"
	"example.com/aria2bot/internal/engine"
)

const (
	addMaxRetries = 3
	addRetryDelay = 100 * time.Millisecond
	// aria2 pages waiting/stopped results; one page covers any realistic
	// personal server.
	listPageSize = 1000
)

type Client struct {
	rpcURL string
	secret string
	http   *http.Client
}

func New(rpcURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ engine.Client = (*Client)(nil)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. Engine-level rejections come back as
// *engine.CallError; everything else is a transport fault.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if c.secret != "" {
		params = append([]any{"token:" + c.secret}, params...)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "aria2bot",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var res rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("aria2 %s: decode response: %w", method, err)
	}
	if res.Error != nil {
		return &engine.CallError{Code: res.Error.Code, Message: res.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("aria2 %s: decode result: %w", method, err)
		}
	}
	return nil
}

// callWithRetry retries transport faults on submission calls, matching the
// engine's tolerance for a briefly unreachable RPC endpoint.
func (c *Client) callWithRetry(ctx context.Context, method string, params []any, out any) error {
	var lastErr error
	for attempt := 0; attempt < addMaxRetries; attempt++ {
		lastErr = c.call(ctx, method, params, out)
		if lastErr == nil || !engine.IsTransient(lastErr) {
			return lastErr
		}
		if attempt+1 < addMaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addRetryDelay):
			}
		}
	}
	return lastErr
}

func (c *Client) taskOptions(dir string) map[string]string {
	if dir == "" {
		return nil
	}
	return map[string]string{"dir": dir}
}

func (c *Client) AddURIs(ctx context.Context, uris []string, dir string) ([]string, error) {
	gids := make([]string, 0, len(uris))
	for _, uri := range uris {
		params := []any{[]string{uri}}
		if opts := c.taskOptions(dir); opts != nil {
			params = append(params, opts)
		}
		var gid string
		if err := c.callWithRetry(ctx, "aria2.addUri", params, &gid); err != nil {
			// Partial success is reported alongside the error so the
			// caller can offer a retry for the remainder.
			return gids, err
		}
		gids = append(gids, gid)
	}
	return gids, nil
}

func (c *Client) AddTorrent(ctx context.Context, torrent []byte, dir string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(torrent)
	params := []any{encoded, []string{}}
	if opts := c.taskOptions(dir); opts != nil {
		params = append(params, opts)
	}
	var gid string
	if err := c.callWithRetry(ctx, "aria2.addTorrent", params, &gid); err != nil {
		return "", err
	}
	return gid, nil
}

func (c *Client) List(ctx context.Context) ([]domain.Task, error) {
	var active, waiting, stopped []status
	if err := c.call(ctx, "aria2.tellActive", nil, &active); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "aria2.tellWaiting", []any{0, listPageSize}, &waiting); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "aria2.tellStopped", []any{0, listPageSize}, &stopped); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(active)+len(waiting)+len(stopped))
	for _, s := range active {
		tasks = append(tasks, s.toDomain())
	}
	for _, s := range waiting {
		tasks = append(tasks, s.toDomain())
	}
	for _, s := range stopped {
		tasks = append(tasks, s.toDomain())
	}
	return tasks, nil
}

func (c *Client) TellStatus(ctx context.Context, gid string) (domain.Task, error) {
	var s status
	if err := c.call(ctx, "aria2.tellStatus", []any{gid}, &s); err != nil {
		return domain.Task{}, err
	}
	return s.toDomain(), nil
}

func (c *Client) Pause(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.pause", []any{gid}, nil)
}

func (c *Client) Resume(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.unpause", []any{gid}, nil)
}

func (c *Client) Remove(ctx context.Context, gid string) error {
	return c.call(ctx, "aria2.remove", []any{gid}, nil)
}

func (c *Client) PurgeCompleted(ctx context.Context) error {
	return c.call(ctx, "aria2.purgeDownloadResult", nil, nil)
}

// status is the aria2 wire representation; every number arrives as a string.
type status struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	UploadSpeed     string `json:"uploadSpeed"`
	Connections     string `json:"connections"`
	NumSeeders      string `json:"numSeeders"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
	Dir             string `json:"dir"`
	Files           []struct {
		Path string `json:"path"`
		URIs []struct {
			URI string `json:"uri"`
		} `json:"uris"`
	} `json:"files"`
	Bittorrent *struct {
		Info *struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

func (s status) toDomain() domain.Task {
	t := domain.Task{
		GID:            s.GID,
		Status:         domain.Status(s.Status),
		Dir:            s.Dir,
		TotalBytes:     parseInt64(s.TotalLength),
		CompletedBytes: parseInt64(s.CompletedLength),
		DownloadSpeed:  parseInt64(s.DownloadSpeed),
		UploadSpeed:    parseInt64(s.UploadSpeed),
		Connections:    int(parseInt64(s.Connections)),
		NumSeeders:     int(parseInt64(s.NumSeeders)),
		ErrorCode:      s.ErrorCode,
		ErrorMessage:   s.ErrorMessage,
	}
	// aria2 code "0" means no error; keep the field empty in that case.
	if t.ErrorCode == "0" {
		t.ErrorCode = ""
	}
	t.Name = s.name()
	if s.Bittorrent != nil {
		t.Source = domain.SourceTorrentFile
	} else if len(s.Files) > 0 && len(s.Files[0].URIs) > 0 {
		t.Source = domain.SourceHTTPLink
	}
	return t
}

// name prefers the torrent name, then the first file URI or path, then the GID.
func (s status) name() string {
	if s.Bittorrent != nil && s.Bittorrent.Info != nil && s.Bittorrent.Info.Name != "" {
		return s.Bittorrent.Info.Name
	}
	if len(s.Files) > 0 {
		f := s.Files[0]
		if len(f.URIs) > 0 && f.URIs[0].URI != "" {
			return f.URIs[0].URI
		}
		if f.Path != "" {
			return f.Path
		}
	}
	return s.GID
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
