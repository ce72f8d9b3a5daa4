package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectory queries a directory service over HTTP:
//
//	GET {base}/users/{id}
//	GET {base}/users?phone={phone}
type HTTPDirectory struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPDirectory(baseURL, bearerToken string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDirectory{
		base:   strings.TrimRight(baseURL, "/"),
		token:  bearerToken,
		client: client,
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	return d.get(ctx, d.base+"/users/"+url.PathEscape(userID))
}

func (d *HTTPDirectory) LookupByPhone(ctx context.Context, phone string) (Profile, error) {
	return d.get(ctx, d.base+"/users?phone="+url.QueryEscape(phone))
}

func (d *HTTPDirectory) get(ctx context.Context, target string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("directory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == "" || len(p.PublicKey) != 32 {
		return Profile{}, fmt.Errorf("directory returned incomplete profile for %q", p.ID)
	}
	return p, nil
}
