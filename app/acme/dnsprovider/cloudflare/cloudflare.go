package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/fenwickproxy/fenwick/app/dns"
)

const apiBase = "https://api.cloudflare.com/client/v4"

type cloudflareConfig struct {
	APIToken string `yaml:"api_token" env:"CLOUDFLARE_API_TOKEN"`
	ZoneID   string `yaml:"zone_id" env:"CLOUDFLARE_ZONE_ID"`
	TTL      int    `yaml:"ttl" env:"CLOUDFLARE_TTL"`
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e apiError) String() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

type recordWithID struct {
	ID string
	dns.Record
}

type cloudflare struct {
	apiToken        string
	zoneID          string
	ttl             int
	timeout         time.Duration
	poolingInterval time.Duration
	client          *http.Client
	addedRecords    []recordWithID
}

// NewCloudflareProvider creates a new Cloudflare DNS provider.
func NewCloudflareProvider(opts dns.Opts) (dns.Provider, error) {
	var conf cloudflareConfig

	if err := cleanenv.ReadConfig(opts.ConfigPath, &conf); err != nil {
		if errc := cleanenv.ReadEnv(&conf); errc != nil {
			return nil, fmt.Errorf("cloudflare: unable to read required parameters: %v", err)
		}
	}

	if conf.APIToken == "" || conf.ZoneID == "" {
		return nil, fmt.Errorf("cloudflare: required parameters not found")
	}

	ttl := conf.TTL
	if ttl == 0 {
		ttl = 120
	}

	return &cloudflare{
		apiToken:        conf.APIToken,
		zoneID:          conf.ZoneID,
		ttl:             ttl,
		timeout:         opts.Timeout,
		poolingInterval: opts.PollingInterval,
		client:          &http.Client{Timeout: opts.Timeout},
	}, nil
}

// AddRecord creates a TXT record for the specified FQDN and value.
func (c *cloudflare) AddRecord(record dns.Record) error {
	rec := dnsRecord{
		Type:    "TXT",
		Name:    fmt.Sprintf("%s.%s", record.Host, record.Domain),
		Content: record.Value,
		TTL:     c.ttl,
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cloudflare: can't marshal record: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/zones/%s/dns_records", apiBase, c.zoneID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloudflare: can't build request: %w", err)
	}

	var created dnsRecord
	if err := c.doAPIRequest(req, &created); err != nil {
		return err
	}

	c.addedRecords = append(c.addedRecords, recordWithID{ID: created.ID, Record: record})
	return nil
}

// RemoveRecord removes the TXT record matching the specified FQDN and value.
func (c *cloudflare) RemoveRecord(record dns.Record) error {
	var id string
	for _, rec := range c.addedRecords {
		if rec.Host == record.Host && rec.Domain == record.Domain &&
			rec.Type == record.Type && rec.Value == record.Value {
			id = rec.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("cloudflare: record id for %s not found", record)
	}

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/zones/%s/dns_records/%s", apiBase, c.zoneID, id), http.NoBody)
	if err != nil {
		return fmt.Errorf("cloudflare: can't build request: %w", err)
	}

	if err := c.doAPIRequest(req, nil); err != nil {
		return err
	}

	recs := c.addedRecords[:0]
	for _, rec := range c.addedRecords {
		if rec.ID == id {
			continue
		}
		recs = append(recs, rec)
	}
	c.addedRecords = recs
	return nil
}

// WaitUntilPropagated waits for the DNS records to propagate by polling
// Cloudflare's own record listing until the value shows up.
func (c *cloudflare) WaitUntilPropagated(ctx context.Context, record dns.Record) error {
	ticker := time.NewTicker(c.poolingInterval)
	defer ticker.Stop()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			ok, err := c.recordPresent(record)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("cloudflare: timeout waiting for DNS propagation")
		case <-timer.C:
			return fmt.Errorf("cloudflare: timeout waiting for DNS propagation")
		}
	}
}

func (c *cloudflare) recordPresent(record dns.Record) (bool, error) {
	name := fmt.Sprintf("%s.%s", record.Host, record.Domain)
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/zones/%s/dns_records?type=TXT&name=%s", apiBase, c.zoneID, name), http.NoBody)
	if err != nil {
		return false, fmt.Errorf("cloudflare: can't build request: %w", err)
	}

	var recs []dnsRecord
	if err := c.doAPIRequest(req, &recs); err != nil {
		return false, err
	}

	for _, rec := range recs {
		if strings.Trim(rec.Content, `"`) == record.Value {
			return true, nil
		}
	}
	return false, nil
}

func (c *cloudflare) doAPIRequest(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare: request failed: %w", err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("cloudflare: can't decode response: %w", err)
	}

	if !apiResp.Success {
		msgs := make([]string, 0, len(apiResp.Errors))
		for _, e := range apiResp.Errors {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("cloudflare: api error: %s", strings.Join(msgs, "; "))
	}

	if out == nil || len(apiResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(apiResp.Result, out); err != nil {
		return fmt.Errorf("cloudflare: can't decode result: %w", err)
	}
	return nil
}
