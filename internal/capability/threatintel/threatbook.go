package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/capability"
	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

const defaultBaseURL = "https://api.threatbook.cn/v3"

// Config 描述威胁情报查询所需的凭证。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Capability 查询微步在线的 IP 信誉接口。
type Capability struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ capability.Capability = (*Capability)(nil)

// New 创建威胁情报查询工具。
func New(cfg Config) (*Capability, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "未提供威胁情报 API Key")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Capability{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Capability) Name() string { return "threat_intelligence" }

func (c *Capability) Description() string {
	return "查询 IP 信誉情报，返回恶意标签、威胁等级与地理归属"
}

func (c *Capability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "ip_address", Type: "string", Description: "待查询的公网 IP", Required: true},
	}
}

func (c *Capability) Sensitive() bool { return false }

// Reputation 是 IP 信誉查询的结构化结果。
type Reputation struct {
	IP          string   `json:"ip"`
	IsMalicious bool     `json:"is_malicious"`
	Severity    string   `json:"severity,omitempty"`
	Judgments   []string `json:"judgments,omitempty"`
	TagClasses  []string `json:"tag_classes,omitempty"`
	Country     string   `json:"country,omitempty"`
	Carrier     string   `json:"carrier,omitempty"`
}

func (c *Capability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	ip, _ := args["ip_address"].(string)
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return capability.Result{Success: false, Error: fmt.Sprintf("非法 IP 地址: %s", ip)}, nil
	}

	form := url.Values{}
	form.Set("apikey", c.apiKey)
	form.Set("resource", ip)

	endpoint := c.baseURL + "/scene/ip_reputation"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return capability.Result{}, apperrors.Wrap(capability.CodeInvocationFailed, err, "构建情报请求失败")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return capability.Result{}, apperrors.Wrap(capability.CodeInvocationFailed, err, "请求情报服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return capability.Result{
			Success: false,
			Error:   fmt.Sprintf("情报服务返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}, nil
	}

	var decoded struct {
		ResponseCode int    `json:"response_code"`
		VerboseMsg   string `json:"verbose_msg"`
		Data         map[string]struct {
			Severity    string   `json:"severity"`
			Judgments   []string `json:"judgments"`
			TagsClasses []struct {
				TagsType string `json:"tags_type"`
			} `json:"tags_classes"`
			Basic struct {
				Carrier  string `json:"carrier"`
				Location struct {
					Country string `json:"country"`
				} `json:"location"`
			} `json:"basic"`
			IsMalicious bool `json:"is_malicious"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return capability.Result{}, apperrors.Wrap(capability.CodeInvocationFailed, err, "解析情报响应失败")
	}
	if decoded.ResponseCode != 0 {
		return capability.Result{
			Success: false,
			Error:   fmt.Sprintf("情报查询失败(code=%d): %s", decoded.ResponseCode, decoded.VerboseMsg),
		}, nil
	}

	entry, ok := decoded.Data[ip]
	if !ok {
		return capability.Result{Success: false, Error: "情报响应中没有该 IP 的数据"}, nil
	}

	rep := Reputation{
		IP:          ip,
		IsMalicious: entry.IsMalicious,
		Severity:    entry.Severity,
		Judgments:   entry.Judgments,
		Country:     entry.Basic.Location.Country,
		Carrier:     entry.Basic.Carrier,
	}
	for _, tc := range entry.TagsClasses {
		rep.TagClasses = append(rep.TagClasses, tc.TagsType)
	}
	return capability.Result{Success: true, Output: rep}, nil
}
