package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sink "fhem-bridge/internal/sink/domain"
)

const (
	pathUpdateInformID = "/api/updateinformid"
	pathSyncFinished   = "/api/syncfinished"
	pathReportStateAll = "/api/reportstateall"
	pathInitiateSync   = "/api/initiatesync"
)

// ErrUnexpectedStatus wraps non-2xx responses of the cloud functions.
var ErrUnexpectedStatus = errors.New("cloud: unexpected status")

// TokenSource supplies the bearer token for cloud calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client calls the cloud functions that receive readings and sync signals.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewClient constructs a cloud client.
func NewClient(baseURL string, tokens TokenSource) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("cloud: empty base url")
	}
	if tokens == nil {
		return nil, errors.New("cloud: nil token source")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type informUpdate struct {
	InformID string `json:"informId"`
	Value    string `json:"value"`
}

// OnDecodedEvent pushes the new value of a key.
func (c *Client) OnDecodedEvent(ctx context.Context, update sink.Update) error {
	return c.do(ctx, http.MethodPost, pathUpdateInformID, informUpdate{InformID: update.Key, Value: update.Value})
}

// SyncFinished reports a stored device snapshot.
func (c *Client) SyncFinished(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, pathSyncFinished, nil)
}

// InitiateSync asks the remote side to resync its device list.
func (c *Client) InitiateSync(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, pathInitiateSync, nil)
}

// RequestReportStateAll asks the remote side to re-report every state.
func (c *Client) RequestReportStateAll(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, pathReportStateAll, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("cloud: token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %d", ErrUnexpectedStatus, path, resp.StatusCode)
	}
	return nil
}
