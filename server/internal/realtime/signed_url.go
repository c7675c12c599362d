package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// SignedURLResponse 是对话 Agent 签发的一次性 WebSocket 地址。
// 注意：签名地址短时间有效，只能用于建立一条会话连接。
type SignedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// Client 封装“签发 signed url”能力。
// 设计目的：把 Agent API Key 的使用限制在服务端，连接只拿到短期地址。
type Client struct {
	HTTPClient *http.Client
	APIKey     string
	AgentID    string
	BaseURL    string // 默认 https://api.elevenlabs.io
	// StaticURL 非空时直接返回，不发起签发请求（本地联调用）。
	StaticURL string
}

// SignedURL 请求一个新的会话地址，每次建立连接（包括重连）都要重新调用。
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	if c.StaticURL != "" {
		return c.StaticURL, nil
	}
	if c.APIKey == "" {
		return "", errors.New("agent api key is empty")
	}
	if c.AgentID == "" {
		return "", errors.New("agent id is empty")
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	// GET /v1/convai/conversation/get_signed_url?agent_id=...
	// 返回：{ signed_url }
	endpoint := baseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(c.AgentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.APIKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 读取少量错误信息，便于本地调试；不要把整段 body 透传给上层。
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("agent signed url: status=%d body=%s", resp.StatusCode, string(limited))
	}

	var out SignedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.SignedURL == "" {
		return "", errors.New("agent signed url: missing signed_url")
	}
	return out.SignedURL, nil
}
