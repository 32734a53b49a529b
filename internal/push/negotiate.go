package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var ErrNoTransport = errors.New("no transport supported by both client and hub")

// maxRedirects bounds negotiate responses that point at another hub.
const maxRedirects = 5

type negotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	ConnectionToken     string `json:"connectionToken"`
	NegotiateVersion    int    `json:"negotiateVersion"`
	AvailableTransports []struct {
		Transport       string   `json:"transport"`
		TransferFormats []string `json:"transferFormats"`
	} `json:"availableTransports"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
	Error       string `json:"error"`
}

func (n negotiateResponse) offers(kind TransportKind) bool {
	for _, t := range n.AvailableTransports {
		if strings.EqualFold(t.Transport, string(kind)) {
			return true
		}
	}
	return false
}

// negotiation is what a connect attempt needs after POST /negotiate.
type negotiation struct {
	resp     negotiateResponse
	endpoint *url.URL
	header   http.Header
}

// negotiate asks the hub which transports it offers. Redirects replace both the
// hub address and the bearer token.
func (m *Manager) negotiate(ctx context.Context, header http.Header) (negotiation, error) {
	hub := m.hubURL
	for range maxRedirects {
		u := *hub
		u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
		q := u.Query()
		q.Set("negotiateVersion", "1")
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
		if err != nil {
			return negotiation{}, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return negotiation{}, fmt.Errorf("negotiate: %w", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return negotiation{}, fmt.Errorf("negotiate: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return negotiation{}, fmt.Errorf("negotiate: status %d", resp.StatusCode)
		}

		var nr negotiateResponse
		if err := json.Unmarshal(body, &nr); err != nil {
			return negotiation{}, fmt.Errorf("negotiate: %w", err)
		}
		if nr.Error != "" {
			return negotiation{}, fmt.Errorf("negotiate: hub error: %s", nr.Error)
		}

		if nr.URL != "" {
			next, err := url.Parse(nr.URL)
			if err != nil {
				return negotiation{}, fmt.Errorf("negotiate redirect: %w", err)
			}
			hub = next
			if nr.AccessToken != "" {
				header = header.Clone()
				header.Set("Authorization", "Bearer "+nr.AccessToken)
			}
			continue
		}

		token := nr.ConnectionToken
		if nr.NegotiateVersion < 1 {
			token = nr.ConnectionID
		}
		endpoint := *hub
		q = endpoint.Query()
		q.Set("id", token)
		endpoint.RawQuery = q.Encode()

		return negotiation{resp: nr, endpoint: &endpoint, header: header}, nil
	}
	return negotiation{}, fmt.Errorf("negotiate: more than %d redirects", maxRedirects)
}
