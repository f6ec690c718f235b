package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

const dnsMessageType = "application/dns-message"

func (r *Resolver) queryWire(ctx context.Context, host string) (answer, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	// RFC 8484 asks for ID 0 so responses stay cache friendly.
	msg.Id = 0
	packed, err := msg.Pack()
	if err != nil {
		return answer{}, fmt.Errorf("pack query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(packed))
	if err != nil {
		return answer{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := r.client.Do(req)
	if err != nil {
		return answer{}, fmt.Errorf("query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return answer{}, fmt.Errorf("doh status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return answer{}, fmt.Errorf("read answer: %w", err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return answer{}, fmt.Errorf("unpack answer: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return answer{}, fmt.Errorf("rcode %s", dns.RcodeToString[reply.Rcode])
	}
	for _, rr := range reply.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A)
		if !ok {
			return answer{}, fmt.Errorf("invalid A record for %s", host)
		}
		return answer{addr: addr.Unmap(), ttl: time.Duration(a.Hdr.Ttl) * time.Second}, nil
	}
	return answer{}, fmt.Errorf("no A record for %s", host)
}
