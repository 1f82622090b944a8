package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
)

// Client talks to the backend over HTTP and the websocket stream. It carries
// the device token minted at registration; every envelope and lifecycle call
// is authenticated with it.
type Client struct {
	baseURL string
	httpc   *http.Client
	token   string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// classify folds transport-level timeouts into ErrNetworkTimeout so callers
// can branch on retryability without inspecting net internals.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("backend %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

type registerRequest struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type registerResponse struct {
	Token string `json:"token"`
}

// Register publishes the device's public key to the directory and stores the
// returned token on the client. Re-registering with the same key is a no-op
// upsert on the backend.
func (c *Client) Register(ctx context.Context, userID uuid.UUID, publicKey []byte) error {
	var resp registerResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/directory", registerRequest{
		UserID:    userID.String(),
		PublicKey: base64.StdEncoding.EncodeToString(publicKey),
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

type directoryKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// FetchKey looks up a user's published public key. A definitive miss is
// ErrRecipientKeyMissing; transport failures stay distinct so callers can
// retry them.
func (c *Client) FetchKey(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	var resp directoryKeyResponse
	status, err := c.do(ctx, http.MethodGet, "/v1/directory/"+userID.String(), nil, &resp)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRecipientKeyMissing, userID)
	}
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("directory returned undecodable key: %w", err)
	}
	return key, nil
}

// Insert submits an envelope and returns the stored copy, which carries the
// backend-assigned id and Sent status.
func (c *Client) Insert(ctx context.Context, env *envelope.Envelope) (envelope.Envelope, error) {
	var stored envelope.Envelope
	if _, err := c.do(ctx, http.MethodPost, "/v1/envelopes", env, &stored); err != nil {
		return envelope.Envelope{}, err
	}
	return stored, nil
}

type pendingResponse struct {
	Envelopes []envelope.Envelope `json:"envelopes"`
}

func (c *Client) Pending(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	path := "/v1/envelopes/pending"
	if limit > 0 {
		path += "?limit=" + fmt.Sprint(limit)
	}
	var resp pendingResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Envelopes, nil
}

func (c *Client) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/envelopes/"+id.String()+"/delivered", nil, nil)
	return err
}

func (c *Client) MarkConsumed(ctx context.Context, id uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/envelopes/"+id.String()+"/consumed", nil, nil)
	return err
}

func (c *Client) MarkDisappeared(ctx context.Context, id uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/envelopes/"+id.String()+"/disappeared", nil, nil)
	return err
}

type clearRequest struct {
	PeerID string `json:"peerId"`
}

func (c *Client) Clear(ctx context.Context, peerID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/conversations/clear", clearRequest{PeerID: peerID.String()}, nil)
	return err
}

type disappearancesResponse struct {
	Events []realtime.Event `json:"events"`
}

func (c *Client) DisappearedSince(ctx context.Context, since time.Time) ([]realtime.Event, error) {
	path := "/v1/disappearances"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}
	var resp disappearancesResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

type putBlobRequest struct {
	Data       string              `json:"data"`
	ExpiryRule envelope.ExpiryRule `json:"expiryRule"`
	CreatedAt  time.Time           `json:"createdAt"`
}

type putBlobResponse struct {
	Path string `json:"path"`
}

func (c *Client) PutBlob(ctx context.Context, data []byte, rule envelope.ExpiryRule, createdAt time.Time) (string, error) {
	var resp putBlobResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/blobs", putBlobRequest{
		Data:       base64.StdEncoding.EncodeToString(data),
		ExpiryRule: rule,
		CreatedAt:  createdAt,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) GetBlob(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/"+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrContentGone, path)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend GET /v1/%s: %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Listen opens the websocket status stream and forwards decoded events until
// the context is cancelled or the connection drops. The returned channel is
// closed on exit; the caller's polling loop covers anything missed.
func (c *Client) Listen(ctx context.Context) (<-chan realtime.Event, error) {
	wsURL, err := url.Parse(c.baseURL + "/v1/ws")
	if err != nil {
		return nil, err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	q := wsURL.Query()
	q.Set("token", c.token)
	wsURL.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, classify(err)
	}

	out := make(chan realtime.Event, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			var ev realtime.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
