package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Aria2Client talks to an aria2c daemon started with --enable-rpc. It is
// only used to report the daemon's health; downloads go through yt-dlp.
type Aria2Client struct {
	RPCUrl string
	Secret string
	Client *http.Client
}

func NewAria2Client(rpcURL, secret string) *Aria2Client {
	return &Aria2Client{
		RPCUrl: rpcURL,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type JsonRpcRequest struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params"`
}

type JsonRpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JsonRpcError   `json:"error,omitempty"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes the result into out, which may be nil.
func (c *Aria2Client) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]interface{}, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	reqBody := JsonRpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		ID:      "ytdlp-web",
		Params:  finalParams,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCUrl, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp JsonRpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

type Aria2Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

func (c *Aria2Client) GetVersion(ctx context.Context) (Aria2Version, error) {
	var v Aria2Version
	err := c.Call(ctx, &v, "aria2.getVersion")
	return v, err
}

// Aria2GlobalStat holds the counters aria2 reports as decimal strings.
type Aria2GlobalStat struct {
	DownloadSpeed string `json:"downloadSpeed"`
	NumActive     string `json:"numActive"`
	NumWaiting    string `json:"numWaiting"`
	NumStopped    string `json:"numStopped"`
}

func (c *Aria2Client) GetGlobalStat(ctx context.Context) (Aria2GlobalStat, error) {
	var s Aria2GlobalStat
	err := c.Call(ctx, &s, "aria2.getGlobalStat")
	return s, err
}
