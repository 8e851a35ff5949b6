package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTwilioBaseURL Twilio REST API地址
const DefaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig Twilio客户端配置
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

// APIError Twilio API错误
type APIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// TwilioGateway 基于Twilio REST API的电话网关
type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

var _ Gateway = (*TwilioGateway)(nil)

// NewTwilioGateway 创建Twilio网关
func NewTwilioGateway(cfg TwilioConfig) (*TwilioGateway, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account sid is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio auth token is required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("twilio from number is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultTwilioBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &TwilioGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// twilioCall Calls资源响应
type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// PlaceCall 发起外呼，接通后Twilio请求CallbackURL获取TwiML
func (g *TwilioGateway) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if req.To == "" {
		return nil, errors.New("destination number is required")
	}
	if req.CallbackURL == "" {
		return nil, errors.New("callback url is required")
	}

	data := url.Values{}
	data.Set("To", req.To)
	data.Set("From", g.from)
	data.Set("Url", req.CallbackURL)
	data.Set("Method", http.MethodPost)
	if req.StatusCallbackURL != "" {
		data.Set("StatusCallback", req.StatusCallbackURL)
		data.Set("StatusCallbackMethod", http.MethodPost)
		for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", event)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", g.baseURL, g.accountSID)

	var call twilioCall
	if err := g.post(ctx, endpoint, data, &call); err != nil {
		return nil, fmt.Errorf("failed to place call: %w", err)
	}
	if call.SID == "" {
		return nil, errors.New("failed to place call: empty call sid")
	}

	return &Call{SID: call.SID, Status: call.Status, To: call.To, From: call.From}, nil
}

// post 以表单方式POST并解析JSON响应
func (g *TwilioGateway) post(ctx context.Context, endpoint string, data url.Values, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
