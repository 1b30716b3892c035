// Package relay implements RelayClient (spec.md §4.4): the stateless
// HTTP control-plane calls a party makes to register, create or join a
// group, and query group/party info. Grounded on the teacher's HTTP
// server-side handler shapes (request/response JSON) turned inside out
// into a client, since the teacher itself serves these operations over
// gRPC rather than calling them.
package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collider/dkls-engine/internal/engineerr"
	"github.com/collider/dkls-engine/internal/types"
)

// Client is a stateless HTTP client for the relay's control-plane
// operations. Safe for concurrent use; holds only a base URL, an HTTP
// client, and the bearer token obtained from Register.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	token string
}

// New builds a Client against baseURL (e.g. "https://relay.example.com").
func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// SetToken installs the bearer token returned by Register, required
// for every subsequent call.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the currently installed bearer token, or "" if
// Register/SetToken has not yet run. Callers that need the token
// outside the Client's own requests (the RelayTransport's `?token=`
// query parameter) use this instead of duplicating it.
func (c *Client) Token() string {
	return c.token
}

// GeneratePartyID produces a fresh PartyId: 33 random bytes with byte
// 0 forced to the compressed-point prefix matching byte 1's parity
// (spec.md §4.4).
func GeneratePartyID() (types.PartyID, error) {
	raw := make([]byte, 33)
	if _, err := io.ReadFull(rand.Reader, raw[1:]); err != nil {
		return "", engineerr.Wrap(engineerr.Fatal, "failed to generate party id", err)
	}
	if raw[1]%2 == 0 {
		raw[0] = 0x02
	} else {
		raw[0] = 0x03
	}
	return types.PartyID(hex.EncodeToString(raw)), nil
}

type registerRequest struct {
	PartyID string `json:"party_id"`
}

type registerResponse struct {
	PartyID string `json:"party_id"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Register POSTs a freshly generated PartyId to /party/register and
// installs the returned bearer token.
func (c *Client) Register(ctx context.Context) (types.PartyID, error) {
	partyID, err := GeneratePartyID()
	if err != nil {
		return "", err
	}

	var resp registerResponse
	if err := c.doWithRetry(ctx, "POST", "/party/register", registerRequest{PartyID: string(partyID)}, &resp); err != nil {
		return "", err
	}

	c.token = resp.Token
	c.logger.Info("relay: registered", zap.String("party_id", resp.PartyID))
	return types.PartyID(resp.PartyID), nil
}

type createGroupRequest struct {
	GroupID string        `json:"group_id,omitempty"`
	N       int           `json:"n"`
	T       int           `json:"t"`
	Timeout time.Duration `json:"timeout"`
}

type groupResponse struct {
	Group   types.GroupInfo `json:"group"`
	Message string          `json:"message"`
}

// CreateGroup POSTs /group/create and returns the full GroupInfo the
// relay assigned.
func (c *Client) CreateGroup(ctx context.Context, threshold, total int, timeout time.Duration) (types.GroupInfo, error) {
	if threshold < 1 || threshold > total {
		return types.GroupInfo{}, engineerr.New(engineerr.Unauthorized, "invalid threshold/total parameters")
	}

	var resp groupResponse
	req := createGroupRequest{N: total, T: threshold, Timeout: timeout}
	if err := c.doAuthed(ctx, "POST", "/group/create", req, &resp); err != nil {
		return types.GroupInfo{}, err
	}
	return resp.Group, nil
}

type joinGroupRequest struct {
	GroupID string `json:"group_id"`
}

// JoinGroup POSTs /group/join then fetches the resulting GroupInfo via
// GetGroupInfo, per spec.md §4.4.
func (c *Client) JoinGroup(ctx context.Context, groupID types.GroupID) (types.GroupInfo, error) {
	var joinResp struct {
		Message string `json:"message"`
	}
	req := joinGroupRequest{GroupID: string(groupID)}
	if err := c.doAuthed(ctx, "POST", "/group/join", req, &joinResp); err != nil {
		return types.GroupInfo{}, err
	}
	return c.GetGroupInfo(ctx, groupID)
}

// GetGroupInfo POSTs /group/info and returns the full GroupInfo.
func (c *Client) GetGroupInfo(ctx context.Context, groupID types.GroupID) (types.GroupInfo, error) {
	var resp groupResponse
	req := joinGroupRequest{GroupID: string(groupID)}
	if err := c.doAuthedWithRetry(ctx, "POST", "/group/info", req, &resp); err != nil {
		return types.GroupInfo{}, err
	}
	return resp.Group, nil
}

// GetPartyInfo GETs /party/info and returns the free-form response
// body as a generic map (spec.md §4.4 leaves the shape unspecified).
func (c *Client) GetPartyInfo(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.doAuthed(ctx, "GET", "/party/info", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// doAuthed issues a bearer-authed request without retries.
func (c *Client) doAuthed(ctx context.Context, method, path string, body, out any) error {
	if c.token == "" {
		return engineerr.New(engineerr.Unauthorized, "no bearer token; call Register first")
	}
	return c.do(ctx, method, path, body, out)
}

// doAuthedWithRetry is doAuthed plus exponential backoff on Network
// errors, per the SUPPLEMENTED FEATURES backoff policy.
func (c *Client) doAuthedWithRetry(ctx context.Context, method, path string, body, out any) error {
	if c.token == "" {
		return engineerr.New(engineerr.Unauthorized, "no bearer token; call Register first")
	}
	return c.doWithRetry(ctx, method, path, body, out)
}

const maxRetries = 3

// doWithRetry retries transient Network failures with exponential
// backoff (100ms, 200ms, 400ms), grounded on the pushchain DKLS core
// service's ensurePeers/broadcastSetup retry loop. Non-network
// failures (Unauthorized, Conflict, NotFound) are never retried.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !engineerr.Is(err, engineerr.Network) {
			return err
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		c.logger.Warn("relay: transient network error, retrying",
			zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return engineerr.Wrap(engineerr.Network, "context cancelled during retry", ctx.Err())
		}
		backoff *= 2
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engineerr.Wrap(engineerr.Fatal, "failed to encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return engineerr.Wrap(engineerr.Network, "failed to build request", err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engineerr.Wrap(engineerr.Network, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return engineerr.Wrap(engineerr.Network, "failed to read response body", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return engineerr.Wrap(engineerr.Network, "failed to decode response body", err)
			}
		}
		return nil
	case http.StatusUnauthorized:
		return engineerr.New(engineerr.Unauthorized, "relay rejected bearer token")
	case http.StatusConflict:
		return engineerr.New(engineerr.Conflict, "duplicate party or group id")
	case http.StatusNotFound:
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("%s not found", path))
	case http.StatusBadRequest:
		return engineerr.New(engineerr.Unauthorized, "invalid request parameters")
	default:
		return engineerr.New(engineerr.Network, fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, path))
	}
}
