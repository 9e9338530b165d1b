package c2b

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"paylink/internal/apperr"
	"paylink/pkg/config"
)

// certCache holds the provider's webhook signing keys by serial. A miss or
// expired entry triggers one refresh regardless of how many webhooks arrive
// concurrently.
type certCache struct {
	client *Client
	ttl    time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time

	group singleflight.Group
}

func newCertCache(client *Client) *certCache {
	return &certCache{
		client: client,
		ttl:    config.GetEnvDuration("C2B_CERT_TTL", 6*time.Hour),
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Get returns the public key for serial, refreshing the cache when the
// serial is unknown or the cache has gone stale.
func (c *certCache) Get(ctx context.Context, serial string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[serial]
	fresh := time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[serial]
	c.mu.RUnlock()
	if !ok {
		return nil, apperr.Signature("unknown certificate serial %s", serial)
	}
	return key, nil
}

func (c *certCache) refresh(ctx context.Context) error {
	certs, err := c.client.GetCertificates(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for _, cert := range certs {
		key, err := parsePublicKey(cert.Public)
		if err != nil {
			return fmt.Errorf("certificate %s: %w", cert.SerialNumber, err)
		}
		keys[cert.SerialNumber] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate data")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, want RSA", pub)
	}
	return rsaKey, nil
}
