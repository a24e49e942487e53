package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Opts contains configuration for a DNS provider.
type Opts struct {
	Provider        string
	ConfigPath      string
	Timeout         time.Duration
	PollingInterval time.Duration
}

// Record is a DNS record.
type Record struct {
	Type   string
	Host   string
	Domain string
	Value  string
}

// Provider is the interface that wraps the methods required to implement a
// DNS provider for the ACME DNS challenge.
type Provider interface {
	// AddRecord creates TXT records for the specified FQDN and value.
	AddRecord(record Record) error

	// RemoveRecord removes the TXT records matching the specified FQDN and value.
	RemoveRecord(record Record) error

	// WaitUntilPropagated waits for the DNS records to propagate.
	// The method will be called after creating TXT records. A provider API could be
	// used to check propagation status.
	WaitUntilPropagated(ctx context.Context, record Record) error

	// // GetTimeout returns timeout and interval for the DNS propagation check.
	// GetTimeout() (timeout time.Duration, interval time.Duration)
}

// LookupTXTRecord checks if the TXT record exists and has the specified value
// on the given nameserver. If the record does not exist, the function returns
// an error. Queries the nameserver directly (bypassing the system resolver)
// since propagation checks need to target a specific authoritative server.
func LookupTXTRecord(record Record, nameserver string) error {
	ns := nameserver
	if !strings.Contains(ns, ":") {
		ns = fmt.Sprintf("%s:53", nameserver)
	}

	fqdn := dns.Fqdn(fmt.Sprintf("%s.%s", record.Host, record.Domain))
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	resp, _, err := client.ExchangeContext(context.Background(), msg, ns)
	if err != nil {
		return fmt.Errorf("nameserver %s: error looking up TXT record %s: %w", nameserver, fqdn, err)
	}

	for _, ans := range resp.Answer {
		txt, ok := ans.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.Join(txt.Txt, "") == record.Value {
			return nil
		}
	}

	maskedValue := ""
	if len(record.Value) > 5 {
		maskedValue = record.Value[len(record.Value)-4:]
	}
	return fmt.Errorf("nameserver %s: could not find TXT record %s with value ..%s", nameserver, fqdn, maskedValue)
}
