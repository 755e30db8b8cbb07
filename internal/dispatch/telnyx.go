package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

const (
	defaultTelnyxBaseURL = "https://api.telnyx.com/v2"
	telnyxCallTimeout    = 15 * time.Second
)

// TelnyxConfig configures the outbound voice client.
type TelnyxConfig struct {
	APIKey     string
	TexmlAppID string
	// BaseURL overrides the API base URL (tests).
	BaseURL string
	Timeout time.Duration
	Logger  *logging.Logger
}

// TelnyxVoiceClient places AI-assisted follow-up calls through Telnyx TeXML.
type TelnyxVoiceClient struct {
	http       *resty.Client
	texmlAppID string
	logger     *logging.Logger
}

// NewTelnyxVoiceClient validates cfg and builds the client.
func NewTelnyxVoiceClient(cfg TelnyxConfig) (*TelnyxVoiceClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("dispatch: telnyx API key required")
	}
	if strings.TrimSpace(cfg.TexmlAppID) == "" {
		return nil, fmt.Errorf("dispatch: telnyx TeXML app ID required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTelnyxBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = telnyxCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &TelnyxVoiceClient{http: client, texmlAppID: cfg.TexmlAppID, logger: logger}, nil
}

// CallRequest is the TeXML AI call body.
type CallRequest struct {
	From             string            `json:"From"`
	To               string            `json:"To"`
	AIAssistantID    string            `json:"AIAssistantId"`
	MachineDetection string            `json:"MachineDetection,omitempty"`
	AsyncAmd         bool              `json:"AsyncAmd,omitempty"`
	DetectionMode    string            `json:"DetectionMode,omitempty"`
	// DynamicVariables feed the assistant's prompt (script, pet name, clinic).
	DynamicVariables map[string]string `json:"AIAssistantDynamicVariables,omitempty"`
}

// CallResponse identifies the call Telnyx created.
type CallResponse struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	IsAlive       bool   `json:"is_alive"`
}

type telnyxEnvelope struct {
	Data CallResponse `json:"data"`
}

// PlaceCall starts an outbound call. Voicemail detection is always on.
func (c *TelnyxVoiceClient) PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	if req.From == "" || req.To == "" {
		return nil, fmt.Errorf("dispatch: telnyx from and to numbers required")
	}
	if req.AIAssistantID == "" {
		return nil, fmt.Errorf("dispatch: telnyx AI assistant ID required")
	}
	if req.MachineDetection == "" {
		req.MachineDetection = "Enable"
	}
	if req.DetectionMode == "" {
		req.DetectionMode = "Premium"
	}
	req.AsyncAmd = true

	c.logger.Info("telnyx: placing follow-up call",
		"from", logging.MaskPhone(req.From),
		"to", logging.MaskPhone(req.To),
		"assistant_id", req.AIAssistantID,
	)

	var out telnyxEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetPathParam("appID", c.texmlAppID).
		Post("/texml/ai_calls/{appID}")
	if err != nil {
		return nil, fmt.Errorf("dispatch: telnyx request: %w", err)
	}
	if resp.IsError() || resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		c.logger.Error("telnyx: call rejected", "status", resp.StatusCode(), "body", resp.String())
		return nil, &APIError{Provider: "telnyx", Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	if out.Data.CallControlID == "" {
		return nil, fmt.Errorf("dispatch: telnyx response missing call_control_id")
	}

	c.logger.Info("telnyx: call accepted",
		"call_control_id", out.Data.CallControlID,
		"call_session_id", out.Data.CallSessionID,
	)
	return &out.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
