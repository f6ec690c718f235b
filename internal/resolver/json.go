package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"time"
)

const maxAnswerBytes = 64 << 10

type jsonAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type jsonResponse struct {
	Status int          `json:"Status"`
	Answer []jsonAnswer `json:"Answer"`
}

func (r *Resolver) queryJSON(ctx context.Context, host string) (answer, error) {
	target := *r.endpoint
	q := target.Query()
	q.Set("name", host)
	q.Set("type", strconv.Itoa(typeA))
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return answer{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return answer{}, fmt.Errorf("query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return answer{}, fmt.Errorf("doh status %d", resp.StatusCode)
	}

	var decoded jsonResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAnswerBytes)).Decode(&decoded); err != nil {
		return answer{}, fmt.Errorf("decode answer: %w", err)
	}
	for _, rr := range decoded.Answer {
		if rr.Type != typeA {
			continue
		}
		addr, err := netip.ParseAddr(rr.Data)
		if err != nil {
			return answer{}, fmt.Errorf("parse address %q: %w", rr.Data, err)
		}
		ttl := rr.TTL
		if ttl < 0 {
			ttl = 0
		}
		return answer{addr: addr, ttl: time.Duration(ttl) * time.Second}, nil
	}
	return answer{}, fmt.Errorf("no A record (status %d)", decoded.Status)
}
