// Package client talks to a running loqa-rooms server over HTTP.
package client

import (
	"bytes"
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

// APIError is a non-2xx response carrying the server's error message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Token fetches an access token for identity in room. It satisfies
// session.TokenSource.
func (c *Client) Token(ctx context.Context, room, identity string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"roomName": room, "userName": identity}
	if err := c.do(ctx, http.MethodPost, "/api/livekit-token", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("empty token in response")
	}
	return resp.Token, nil
}

// Generate returns the completion for prompt without speaking it.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/generate", map[string]string{"prompt": prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Speak asks the server's host session in room to generate and speak.
func (c *Client) Speak(ctx context.Context, room, prompt string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	path := "/api/rooms/" + url.PathEscape(room) + "/speak"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"prompt": prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
