package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fenwickproxy/fenwick/app/discovery"
)

// Static provider, rules are server,from,to
type Static struct {
	Rules []string // each rule is 5 elements comma separated - server,source_url,destination,ping,auth_users
}

// Events returns channel updating once
func (s *Static) Events(_ context.Context) <-chan discovery.ProviderID {
	res := make(chan discovery.ProviderID, 1)
	res <- discovery.PIStatic
	return res
}

// List all src dst pairs
func (s *Static) List() (res []discovery.URLMapper, err error) {

	// inp is 5 elements string server,source_url,destination,ping,auth_users
	// the ping and/or auth_users sections can be omitted
	parse := func(inp string) (discovery.URLMapper, error) {
		elems := strings.Split(inp, ",")
		if len(elems) < 3 {
			return discovery.URLMapper{}, fmt.Errorf("invalid rule %q", inp)
		}

		var authUsers []string
		pingURL := ""
		var hasAuthSection bool // because 'ping' section is optional, we should check duplicate 'auth' section for 4 and 5 part

		if len(elems) == 4 {
			if !strings.HasPrefix(elems[3], "auth:") {
				pingURL = strings.TrimSpace(elems[3])
			} else {
				hasAuthSection = true
				authUsers = strings.Split(strings.TrimPrefix(elems[3], "auth:"), ";")
			}
		}
		if len(elems) == 5 {
			if hasAuthSection || !strings.HasPrefix(elems[4], "auth:") {
				return discovery.URLMapper{}, fmt.Errorf("invalid rule %q", inp)
			}
			authUsers = strings.Split(strings.TrimPrefix(elems[4], "auth:"), ";")
		}
		rx, err := regexp.Compile(strings.TrimSpace(elems[1]))
		if err != nil {
			return discovery.URLMapper{}, fmt.Errorf("can't parse regex %s: %w", elems[1], err)
		}

		dst := strings.TrimSpace(elems[2])
		assets, spa := false, false
		if strings.HasPrefix(dst, "assets:") {
			dst = strings.TrimPrefix(dst, "assets:")
			assets = true
		}
		if strings.HasPrefix(dst, "spa:") {
			dst = strings.TrimPrefix(dst, "spa:")
			assets = true
			spa = true
		}

		res := discovery.URLMapper{
			Server:     strings.TrimSpace(elems[0]),
			SrcMatch:   *rx,
			Dst:        dst,
			PingURL:    pingURL,
			ProviderID: discovery.PIStatic,
			MatchType:  discovery.MTProxy,
			AuthUsers:  authUsers,
		}
		if assets {
			res.MatchType = discovery.MTStatic
			res.AssetsSPA = spa
		}

		return res, nil
	}

	for _, r := range s.Rules {
		if strings.TrimSpace(r) == "" {
			continue
		}
		um, err := parse(r)
		if err != nil {
			return nil, err
		}
		res = append(res, um)
	}
	return res, nil
}
