package transport

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticToken is a TokenProvider returning a fixed token string.
type StaticToken string

// Token implements TokenProvider.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// DeviceToken mints short-lived HS256 tokens signed with the device key.
// Tokens are cached and re-minted shortly before expiry so the signing cost
// is not paid on every request.
type DeviceToken struct {
	deviceID string
	key      []byte
	ttl      time.Duration

	mu      sync.Mutex
	cached  string
	expires time.Time

	now func() time.Time
}

type deviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// NewDeviceToken creates a provider for the given device identity.
func NewDeviceToken(deviceID string, key []byte, ttl time.Duration) *DeviceToken {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DeviceToken{
		deviceID: deviceID,
		key:      key,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Token returns a valid signed token, minting a fresh one when the cached
// token is within a minute of expiry.
func (d *DeviceToken) Token(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.cached != "" && now.Before(d.expires.Add(-time.Minute)) {
		return d.cached, nil
	}

	claims := deviceClaims{
		DeviceID: d.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(d.key)
	if err != nil {
		return "", err
	}

	d.cached = signed
	d.expires = now.Add(d.ttl)
	return signed, nil
}
