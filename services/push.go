package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"carelink/config"
	"carelink/models"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	wechatTokenURL = "https://api.weixin.qq.com/cgi-bin/token"
	wechatSendURL  = "https://api.weixin.qq.com/cgi-bin/message/subscribe/send"

	// The provider invalidates tokens on its own schedule; refresh this
	// much before the advertised expiry to avoid racing it.
	tokenSafetyMargin = 5 * time.Minute

	// Per-field length limit for thing-type template fields.
	maxFieldRunes = 20

	// Provider error code: recipient has opted out of this template.
	errCodeUserRefused = 43101
)

// TokenCache holds the provider access credential shared by all
// concurrent handlers. Refreshes are lazy and single-flight: concurrent
// callers of an empty or expiring cache await one underlying fetch. A
// failed refresh empties the cache and fails every waiter of that round;
// the next call starts a fresh refresh.
type TokenCache struct {
	fetch func(ctx context.Context) (string, time.Time, error)

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
	logger    *zap.Logger
}

func NewTokenCache(cfg *config.Config, httpClient *http.Client, logger *zap.Logger) *TokenCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &TokenCache{logger: logger}
	c.fetch = func(ctx context.Context) (string, time.Time, error) {
		return fetchWechatToken(ctx, httpClient, cfg.WxAppID, cfg.WxSecret)
	}
	return c
}

// Token returns a valid credential, refreshing if the cache is empty,
// expired, or within the safety margin of expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Another waiter of this round may have refreshed already.
		if token, ok := c.cached(); ok {
			return token, nil
		}
		token, expiresAt, err := c.fetch(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.token = ""
			c.expiresAt = time.Time{}
			return nil, fmt.Errorf("credential refresh failed: %w", err)
		}
		c.token = token
		c.expiresAt = expiresAt
		c.logger.Info("Push credential refreshed", zap.Time("expires_at", expiresAt))
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expiresAt) > tokenSafetyMargin {
		return c.token, true
	}
	return "", false
}

func fetchWechatToken(ctx context.Context, client *http.Client, appID, secret string) (string, time.Time, error) {
	if appID == "" || secret == "" {
		return "", time.Time{}, fmt.Errorf("push provider credentials not configured")
	}

	params := url.Values{}
	params.Set("grant_type", "client_credential")
	params.Set("appid", appID)
	params.Set("secret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wechatTokenURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("provider refused token request: %s (code %d)", body.ErrMsg, body.ErrCode)
	}
	return body.AccessToken, time.Now().Add(time.Duration(body.ExpiresIn) * time.Second), nil
}

// PushService delivers templated subscribe-message pushes. Delivery is
// best effort: failures are logged, classified terminal (recipient opted
// out) or transient, and never surface to the handler that triggered the
// push.
type PushService struct {
	cfg        *config.Config
	users      UserStore
	tokens     *TokenCache
	httpClient *http.Client
	sendURL    string
	logger     *zap.Logger
}

func NewPushService(cfg *config.Config, users UserStore, tokens *TokenCache, logger *zap.Logger) *PushService {
	return &PushService{
		cfg:        cfg,
		users:      users,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sendURL:    wechatSendURL,
		logger:     logger,
	}
}

// Send resolves the user's push address and delivers one templated push.
func (p *PushService) Send(ctx context.Context, userID string, kind models.NotificationType, data map[string]string) {
	user, err := p.users.UserByID(ctx, userID)
	if err != nil {
		p.logger.Error("User lookup failed for push",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	if user == nil || user.WxOpenid == "" {
		p.logger.Debug("User has no push address, skipping push",
			zap.String("user_id", userID))
		return
	}

	templateID := p.templateID(kind)
	if templateID == "" {
		p.logger.Debug("No template configured for notification type, skipping push",
			zap.String("type", string(kind)))
		return
	}

	token, err := p.tokens.Token(ctx)
	if err != nil {
		p.logger.Error("Could not obtain push credential",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	fields := make(map[string]map[string]string, len(data))
	for key, value := range data {
		fields[key] = map[string]string{"value": truncateField(value, maxFieldRunes)}
	}
	payload := map[string]any{
		"touser":      user.WxOpenid,
		"template_id": templateID,
		"data":        fields,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal push payload", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.sendURL+"?access_token="+url.QueryEscape(token), bytes.NewReader(body))
	if err != nil {
		p.logger.Error("Failed to build push request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Push delivery failed (transient)",
			zap.String("user_id", userID),
			zap.String("type", string(kind)),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Error("Push provider HTTP error (transient)",
			zap.String("user_id", userID),
			zap.String("type", string(kind)),
			zap.Int("status", resp.StatusCode))
		return
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		p.logger.Error("Failed to decode push response", zap.Error(err))
		return
	}

	switch result.ErrCode {
	case 0:
		p.logger.Info("Push delivered",
			zap.String("user_id", userID),
			zap.String("type", string(kind)))
	case errCodeUserRefused:
		p.logger.Warn("Push refused by recipient (terminal)",
			zap.String("user_id", userID),
			zap.String("type", string(kind)),
			zap.Int("errcode", result.ErrCode))
	default:
		p.logger.Error("Push provider error (transient)",
			zap.String("user_id", userID),
			zap.String("type", string(kind)),
			zap.Int("errcode", result.ErrCode),
			zap.String("errmsg", result.ErrMsg))
	}
}

func (p *PushService) templateID(kind models.NotificationType) string {
	switch kind {
	case models.NotificationSOS:
		return p.cfg.WxSubIDSos
	case models.NotificationBilling:
		return p.cfg.WxSubIDBilling
	case models.NotificationLowBattery:
		return p.cfg.WxSubIDLowBatt
	default:
		return ""
	}
}

// truncateField trims a template field to the provider's per-field rune
// limit.
func truncateField(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
