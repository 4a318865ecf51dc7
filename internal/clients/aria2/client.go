package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/downdeck-backend/internal/pkg/httpx"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// Status is one tellStatus snapshot of a download the daemon is driving.
type Status struct {
	GID             string
	State           string // active | waiting | paused | error | complete | removed
	CompletedLength int64
	TotalLength     int64
	DownloadSpeed   int64
	ErrorMessage    string
	Files           []string
}

// Client speaks the aria2 JSON-RPC 2.0 control protocol. The daemon does
// the actual transfer; we submit, poll and remove.
type Client interface {
	AddURI(ctx context.Context, uri string, dir, out string, headers map[string]string) (gid string, err error)
	TellStatus(ctx context.Context, gid string) (*Status, error)
	Remove(ctx context.Context, gid string) error
}

type client struct {
	log        *logger.Logger
	rpcURL     string
	secret     string
	httpClient *http.Client
}

// NewClient builds a client against the configured RPC endpoint, e.g.
// http://127.0.0.1:6800/jsonrpc. The secret, when set, is passed as the
// token: parameter aria2 expects.
func NewClient(log *logger.Logger, rpcURL, secret string) (Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("missing aria2 RPC URL")
	}
	return &client{
		log:        log.With("client", "aria2"),
		rpcURL:     rpcURL,
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *client) AddURI(ctx context.Context, uri string, dir, out string, headers map[string]string) (string, error) {
	opts := map[string]interface{}{}
	if dir != "" {
		opts["dir"] = dir
	}
	if out != "" {
		opts["out"] = out
	}
	if len(headers) > 0 {
		hdrs := make([]string, 0, len(headers))
		for name, value := range headers {
			hdrs = append(hdrs, name+": "+value)
		}
		opts["header"] = hdrs
	}

	var gid string
	raw, err := c.call(ctx, "aria2.addUri", []interface{}{[]string{uri}, opts})
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("decode addUri result: %w", err)
	}
	return gid, nil
}

func (c *client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	raw, err := c.call(ctx, "aria2.tellStatus", []interface{}{
		gid,
		[]string{"gid", "status", "completedLength", "totalLength", "downloadSpeed", "errorMessage", "files"},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		GID             string `json:"gid"`
		Status          string `json:"status"`
		CompletedLength string `json:"completedLength"`
		TotalLength     string `json:"totalLength"`
		DownloadSpeed   string `json:"downloadSpeed"`
		ErrorMessage    string `json:"errorMessage"`
		Files           []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode tellStatus result: %w", err)
	}

	status := &Status{
		GID:             payload.GID,
		State:           payload.Status,
		CompletedLength: parseInt64(payload.CompletedLength),
		TotalLength:     parseInt64(payload.TotalLength),
		DownloadSpeed:   parseInt64(payload.DownloadSpeed),
		ErrorMessage:    payload.ErrorMessage,
	}
	for _, f := range payload.Files {
		if f.Path != "" {
			status.Files = append(status.Files, f.Path)
		}
	}
	return status, nil
}

func (c *client) Remove(ctx context.Context, gid string) error {
	if _, err := c.call(ctx, "aria2.remove", []interface{}{gid}); err != nil {
		// forceRemove still works on downloads past the graceful window.
		if _, ferr := c.call(ctx, "aria2.forceRemove", []interface{}{gid}); ferr != nil {
			return err
		}
	}
	return nil
}

// call performs one RPC round trip with a single retry on transient
// transport failures.
func (c *client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c.secret != "" {
		params = append([]interface{}{"token:" + c.secret}, params...)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      strconv.FormatInt(time.Now().UnixNano(), 36),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, body)
	if err != nil && httpx.IsRetryableError(err) {
		time.Sleep(httpx.JitterSleep(500 * time.Millisecond))
		raw, err = c.post(ctx, body)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string       { return "aria2 rpc http status " + strconv.Itoa(e.code) }
func (e *httpStatusError) HTTPStatusCode() int { return e.code }

func (c *client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{code: resp.StatusCode}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
