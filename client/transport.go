package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	syncsvc "BTPSync/module/sync/service"
	"BTPSync/tools/errs"
)

// Api is what the engine needs from the server. HTTPTransport is the
// real thing; tests substitute an in-process fake.
type Api interface {
	Push(ctx context.Context, req *syncsvc.PushRequest) (*syncsvc.PushResult, error)
	Pull(ctx context.Context, deviceID string, since int64) (*syncsvc.PullResult, error)
}

// HTTPTransport talks to the sync endpoints with a bearer token.
type HTTPTransport struct {
	Base  string // e.g. http://sync.internal:8084
	Token string
	HC    *http.Client
}

func NewHTTPTransport(base, token string) *HTTPTransport {
	return &HTTPTransport{Base: base, Token: token, HC: &http.Client{Timeout: 15 * time.Second}}
}

func (t *HTTPTransport) Push(ctx context.Context, req *syncsvc.PushRequest) (*syncsvc.PushResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal push")
	}
	res := &syncsvc.PushResult{}
	if err := t.do(ctx, http.MethodPost, "/sync/push", nil, bytes.NewReader(body), res); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, deviceID string, since int64) (*syncsvc.PullResult, error) {
	q := map[string]string{"deviceId": deviceID}
	if since != syncsvc.NoCursor {
		q["since"] = strconv.FormatInt(since, 10)
	}
	res := &syncsvc.PullResult{}
	if err := t.do(ctx, http.MethodGet, "/sync/pull", q, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, query map[string]string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.Base+path, body)
	if err != nil {
		return errs.Wrap(err)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.HC.Do(req)
	if err != nil {
		return errs.WrapMsg(err, "sync request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var remote struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &remote) == nil && remote.Code != 0 {
			return errs.NewCodeError(remote.Code, remote.Msg)
		}
		return errs.New(fmt.Sprintf("sync endpoint %s: http %d", path, resp.StatusCode))
	}
	return errs.WrapMsg(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
