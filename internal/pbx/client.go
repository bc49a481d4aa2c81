package pbx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StatusError is a non-2xx reply from the PBX REST interface.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pbx returned %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether the PBX said 404 — the resource is already
// gone, which most callers treat as success.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Options configures the PBX REST client.
type Options struct {
	Host     string // PBX host or host:port; port 8088 assumed when absent
	Username string
	Password string
	App      string // stasis application name
	Log      zerolog.Logger
}

// Client drives channels on the PBX over its REST interface.
type Client struct {
	base string
	user string
	pass string
	app  string
	http *http.Client
	log  zerolog.Logger
}

// connectTimeout bounds TCP dial to the PBX; slow responses on an
// established connection are left to the per-request context.
const connectTimeout = 5 * time.Second

func NewClient(opts Options) *Client {
	host := opts.Host
	if !strings.Contains(host, ":") {
		host += ":8088"
	}
	return &Client{
		base: "http://" + host + "/ari",
		user: opts.Username,
		pass: opts.Password,
		app:  opts.App,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		log: opts.Log.With().Str("component", "pbx").Logger(),
	}
}

// EventsURL is the WebSocket endpoint the demux subscribes to.
func (c *Client) EventsURL() string {
	u := strings.Replace(c.base, "http://", "ws://", 1) + "/events"
	q := url.Values{}
	q.Set("app", c.app)
	q.Set("api_key", c.user+":"+c.pass)
	return u + "?" + q.Encode()
}

// OriginateRequest describes one outbound call.
type OriginateRequest struct {
	Endpoint  string // e.g. PJSIP/15551234567@custom_A
	CallerID  string
	ChannelID string
	Variables map[string]string
}

// Originate starts an outbound call into the stasis application.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) error {
	q := url.Values{}
	q.Set("endpoint", req.Endpoint)
	q.Set("app", c.app)
	q.Set("callerId", req.CallerID)
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	var body io.Reader
	if len(req.Variables) > 0 {
		data, err := json.Marshal(map[string]any{"variables": req.Variables})
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}
	return c.do(ctx, http.MethodPost, "/channels?"+q.Encode(), body)
}

// Answer picks up the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
}

// Play starts media playback on the channel under the given playback id.
// The media path is passed through with the sound: scheme the PBX expects.
func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) error {
	q := url.Values{}
	q.Set("media", "sound:"+media)
	q.Set("playbackId", playbackID)
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play?"+q.Encode(), nil)
}

// StopPlayback cancels an in-flight playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil)
}

// Hangup tears the channel down.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pbx request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
