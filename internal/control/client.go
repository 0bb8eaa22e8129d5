package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zsiec/tsdecrypt/internal/descrambler"
	apperrors "github.com/zsiec/tsdecrypt/internal/errors"
	"github.com/zsiec/tsdecrypt/pkg/version"
)

// Client talks to the control API of a running instance
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API mounted at baseURL, e.g.
// http://127.0.0.1:8080/api/v1. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// ResetMessage builds a reset message
func ResetMessage(caNum uint16) Message {
	return Message{Type: TypeReset, CaNum: caNum}
}

// Send delivers msg through the matching endpoint
func (c *Client) Send(ctx context.Context, msg Message) error {
	var body interface{}
	switch msg.Type {
	case TypeDescr:
		body = descrRequest{Index: msg.Index, Parity: msg.Parity, CW: msg.CW, Initial: msg.Initial}
	case TypePid:
		body = pidRequest{Index: msg.Index, PID: msg.PID}
	case TypeReset:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	path := fmt.Sprintf("/ca/%d/%s", msg.CaNum, msg.Type)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// List returns the registered descramblers
func (c *Client) List(ctx context.Context) ([]DescramblerInfo, error) {
	var infos []DescramblerInfo
	if err := c.do(ctx, http.MethodGet, "/ca", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Slots returns the key slot state of one descrambler
func (c *Client) Slots(ctx context.Context, caNum uint16) ([]descrambler.SlotState, error) {
	var slots []descrambler.SlotState
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/ca/%d/slots", caNum), nil, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.GetInfo().UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp apperrors.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Message == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s (%s)", method, path, errResp.Error.Message, errResp.Error.Code)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
