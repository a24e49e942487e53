package provider

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/fenwickproxy/fenwick/app/discovery"
)

// File implements file-based provider. Lines starting with # are skipped;
// each other non-empty line uses the same
// comma-separated rule syntax as Static: server,source_url,destination[,ping][,auth:user1;user2].
type File struct {
	FileName      string
	CheckInterval time.Duration
	Delay         time.Duration
}

// Events returns channel updating on file change only
func (d *File) Events(ctx context.Context) <-chan discovery.ProviderID {
	res := make(chan discovery.ProviderID)

	// no need to queue multiple events or wait
	trySubmit := func(ch chan discovery.ProviderID) {
		select {
		case ch <- discovery.PIFile:
		default:
		}
	}

	go func() {
		tk := time.NewTicker(d.CheckInterval)
		lastModif := time.Time{}
		for {
			select {
			case <-tk.C:
				fi, err := os.Stat(d.FileName)
				if err != nil {
					continue
				}
				if fi.ModTime() != lastModif {
					// don't react on modification right away
					if fi.ModTime().Sub(lastModif) < d.Delay {
						continue
					}
					log.Printf("[DEBUG] file %s changed, %s -> %s", d.FileName,
						lastModif.Format(time.RFC3339Nano), fi.ModTime().Format(time.RFC3339Nano))
					lastModif = fi.ModTime()
					trySubmit(res)
				}
			case <-ctx.Done():
				close(res)
				tk.Stop()
				return
			}
		}
	}()
	return res
}

// List all src dst pairs, one rule per line, same syntax as Static.Rules.
func (d *File) List() (res []discovery.URLMapper, err error) {
	fh, err := os.Open(d.FileName)
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", d.FileName, err)
	}
	defer fh.Close() //nolint:errcheck

	s := bufio.NewScanner(fh)
	static := Static{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		static.Rules = append(static.Rules, line)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("can't read %s: %w", d.FileName, err)
	}

	return static.List()
}

// ID returns provider id
func (d *File) ID() discovery.ProviderID { return discovery.PIFile }
