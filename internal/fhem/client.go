package fhem

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CSRFHeader carries the session token on the first longpoll response.
const CSRFHeader = "X-FHEM-csrfToken"

var (
	// ErrNotFound is returned for a 404 from the controller.
	ErrNotFound = errors.New("fhem: not found")
	// ErrUnexpectedStatus wraps any other non-200 response.
	ErrUnexpectedStatus = errors.New("fhem: unexpected status")
)

// Options configures transport details of a controller connection.
type Options struct {
	Username           string
	Password           string
	InsecureSkipVerify bool
	CommandTimeout     time.Duration
}

// Client is a minimal FHEMWEB client.
type Client struct {
	baseURL  string
	username string
	password string
	commands *http.Client
	stream   *http.Client
}

// NewClient constructs a controller client.
func NewClient(baseURL string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("fhem: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("fhem: invalid base url: %w", err)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed controllers
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		commands: &http.Client{Timeout: opts.CommandTimeout, Transport: transport},
		// the longpoll body is read for as long as the controller keeps it open
		stream: &http.Client{Transport: transport},
	}, nil
}

// BaseURL returns the controller base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stream is an open longpoll response.
type Stream struct {
	Body      io.ReadCloser
	CSRFToken string
}

// LongpollURL builds the inform request; a zero since requests no replay.
func LongpollURL(baseURL string, since, now time.Time) string {
	cursor := "null"
	if !since.IsZero() {
		cursor = strconv.FormatFloat(float64(since.UnixMilli())/1000, 'f', 3, 64)
	}
	values := url.Values{}
	values.Set("XHR", "1")
	values.Set("inform", "type=status;addglobal=1;filter=.*;since="+cursor+";fmt=JSON")
	values.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	return strings.TrimRight(baseURL, "/") + "?" + values.Encode()
}

// OpenLongpoll starts the streaming status request. The caller owns Body.
func (c *Client) OpenLongpoll(ctx context.Context, since time.Time) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, LongpollURL(c.baseURL, since, time.Now()), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &Stream{Body: resp.Body, CSRFToken: resp.Header.Get(CSRFHeader)}, nil
}

// CommandURL builds the URL for a single command.
func CommandURL(baseURL, cmd, csrfToken string) string {
	values := url.Values{}
	values.Set("cmd", cmd)
	if csrfToken != "" {
		values.Set("fwcsrf", csrfToken)
	}
	values.Set("XHR", "1")
	return strings.TrimRight(baseURL, "/") + "?" + values.Encode()
}

// Execute runs cmd and returns its textual output with line breaks removed.
func (c *Client) Execute(ctx context.Context, cmd, csrfToken string) (string, error) {
	body, err := c.get(ctx, CommandURL(c.baseURL, cmd, csrfToken))
	if err != nil {
		return "", err
	}
	return stripLineBreaks(string(body)), nil
}

// ListDevices runs jsonlist2 with an optional device specification.
func (c *Client) ListDevices(ctx context.Context, filter, csrfToken string) (DeviceList, error) {
	cmd := "jsonlist2"
	if filter != "" {
		cmd += " " + filter
	}
	body, err := c.get(ctx, CommandURL(c.baseURL, cmd, csrfToken))
	if err != nil {
		return DeviceList{}, err
	}
	var list DeviceList
	if err := json.Unmarshal(body, &list); err != nil {
		return DeviceList{}, fmt.Errorf("fhem: decode jsonlist2: %w", err)
	}
	return list, nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.commands.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

func stripLineBreaks(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}
