package mitm

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dlpgate/inspector/internal/monitoring"
)

// Issuer signs leaf certificates. *CA implements it.
type Issuer interface {
	IssueLeaf(host string) (*tls.Certificate, error)
}

type cacheEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache is a concurrency-safe per-host leaf certificate cache.
// Entries expire after the TTL and are reissued on the next access.
type CertCache struct {
	mu      sync.RWMutex
	certs   map[string]*cacheEntry
	issuer  Issuer
	ttl     time.Duration
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewCertCache creates a cache backed by issuer. metrics may be nil.
func NewCertCache(issuer Issuer, ttl time.Duration, metrics *monitoring.Metrics) *CertCache {
	return &CertCache{
		certs:   make(map[string]*cacheEntry),
		issuer:  issuer,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetCert returns a certificate for host, issuing one on a miss or expiry.
func (cc *CertCache) GetCert(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)

	cc.mu.RLock()
	entry, ok := cc.certs[host]
	if ok && cc.now().Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	// Another goroutine may have filled the entry while we waited.
	entry, ok = cc.certs[host]
	if ok && cc.now().Before(entry.expiresAt) {
		return entry.cert, nil
	}

	cert, err := cc.issuer.IssueLeaf(host)
	if err != nil {
		return nil, err
	}
	cc.certs[host] = &cacheEntry{cert: cert, expiresAt: cc.now().Add(cc.ttl)}
	cc.metrics.RecordCertIssued()

	log.Debug().Str("host", host).Int("cached", len(cc.certs)).Msg("mitm: issued leaf certificate")
	return cert, nil
}

// Size returns the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}

// Clear drops every cached certificate.
func (cc *CertCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.certs = make(map[string]*cacheEntry)
}
