package acme

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
)

var (
	attemptInterval = time.Minute * 1
	maxAttemps      = 5
)

// Solver is an interface for solving ACME DNS challenge
type Solver interface {
	// PreSolve is called before solving the challenge. ACME Order will be created and DNS record will be added.
	PreSolve() error

	// Solve is called to accept the challenge and wait until it is authorized.
	Solve() error

	// ObtainCertificate is called to obtain the certificate.
	// Certificate will be saved to the file path specified by flag.
	ObtainCertificate() error
}

// ScheduleCertificateRenewal starts a background renewal loop for the
// certificate at certPath, ticking every attemptInterval. Each tick skips
// work if the certificate already has more than 5 days left, and gives up
// logging errors (without panicking) after maxAttemps consecutive failures.
func ScheduleCertificateRenewal(ctx context.Context, solver Solver, certPath string) {
	attempted := 0

	renew := func() {
		if expiredAt, err := getCertificateExpiration(certPath); err == nil {
			if time.Until(expiredAt) > time.Hour*24*5 {
				return // certificate still has more than 5 days left, nothing to do
			}
		}

		attempted++
		if attempted > maxAttemps {
			log.Printf("[ERROR] maxium attempts (%d) reached, giving up until next schedule", maxAttemps)
			return
		}
		log.Printf("[INFO] renewing certificate attempt %d", attempted)

		// create ACME order and add TXT record for the challenge
		if err := solver.PreSolve(); err != nil {
			log.Printf("[WARN] error during preparing ACME order: %v", err)
			return
		}

		// solve the challenge
		log.Printf("[INFO] start solving ACME DNS challenge")
		if err := solver.Solve(); err != nil {
			log.Printf("[WARN] error during solving ACME DNS Challenge: %v", err)
			return
		}

		// obtain certificate
		if err := solver.ObtainCertificate(); err != nil {
			log.Printf("[WARN] error during certificate obtaining: %v", err)
			return
		}

		expiredAt, err := getCertificateExpiration(certPath)
		if err != nil {
			log.Printf("[WARN] certificate expiration date, probably not obtained yet: %v", err)
			return
		}
		// 5 days earlier than the certificate expiration, reset the failure count
		log.Printf("[INFO] certificate renewed, will expire in %v", expiredAt)
		attempted = 0
	}

	ticker := time.NewTicker(attemptInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renew()
			}
		}
	}()
}
