package dnsprovider

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fenwickproxy/fenwick/app/acme/dnsprovider/cloudflare"
	"github.com/fenwickproxy/fenwick/app/acme/dnsprovider/route53"
	"github.com/fenwickproxy/fenwick/app/dns"
)

// NewProvider returns a DNS provider instance for the given provider type.
func NewProvider(config dns.Opts) (dns.Provider, error) {
	switch config.Provider {
	case "cloudflare":
		return cloudflare.NewCloudflareProvider(config)
	case "route53":
		return route53.NewRoute53Provider(config)
	}

	return nil, fmt.Errorf("unsupported provider %s", config.Provider)
}

func getEnvOptionalInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if valInt, err := strconv.Atoi(value); err == nil {
		return valInt
	}

	return defaultValue
}

func getEnvOptionalString(name, defaultValue string) string {
	val := os.Getenv(name)
	if val == "" {
		return defaultValue
	}
	return val
}
