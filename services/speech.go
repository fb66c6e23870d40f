package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SpeechService talks to the external text-to-speech collaborator: text
// in, playable audio URL out.
type SpeechService struct {
	apiURL     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSpeechService(apiURL string, logger *zap.Logger) *SpeechService {
	return &SpeechService{
		apiURL: apiURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *SpeechService) Synthesize(ctx context.Context, text string) (string, error) {
	if s.apiURL == "" {
		return "", fmt.Errorf("text-to-speech service not configured")
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("text-to-speech service returned %s", resp.Status)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode synthesis response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("text-to-speech service returned no audio URL")
	}

	s.logger.Debug("Speech synthesized", zap.Int("text_runes", len([]rune(text))))
	return result.URL, nil
}
