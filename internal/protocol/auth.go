package protocol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-bridge/internal/metrics"
)

// Request headers of the device signing scheme.
const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

const maxSignedBody = 1 << 20

// Device is an execution agent allowed to poll one account.
type Device struct {
	ID        string `yaml:"id" json:"id"`
	AccountID string `yaml:"account_id" json:"account_id"`
	Secret    string `yaml:"secret" json:"-"`
}

// Registry resolves devices by id.
type Registry interface {
	Device(id string) (Device, bool)
	// ForAccount returns the device attached to an account, if any.
	ForAccount(accountID string) (Device, bool)
}

// StaticRegistry is a Registry built from configuration.
type StaticRegistry struct {
	byID      map[string]Device
	byAccount map[string]Device
}

func NewStaticRegistry(devices []Device) *StaticRegistry {
	r := &StaticRegistry{byID: make(map[string]Device), byAccount: make(map[string]Device)}
	for _, d := range devices {
		r.byID[d.ID] = d
		if _, ok := r.byAccount[d.AccountID]; !ok {
			r.byAccount[d.AccountID] = d
		}
	}
	return r
}

func (r *StaticRegistry) Device(id string) (Device, bool) {
	d, ok := r.byID[id]
	return d, ok
}

func (r *StaticRegistry) ForAccount(accountID string) (Device, bool) {
	d, ok := r.byAccount[accountID]
	return d, ok
}

// NonceStore remembers nonces for the replay window. Claim returns false
// when the nonce was already seen.
type NonceStore interface {
	Claim(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is a NonceStore for a single replica.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: now}
}

func (s *MemoryNonceStore) Claim(_ context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, k)
		}
	}
	key := deviceID + "|" + nonce
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares the replay window across replicas with SET NX.
type RedisNonceStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(rdb redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "bridge"
	}
	return &RedisNonceStore{rdb: rdb, prefix: prefix}
}

func (s *RedisNonceStore) Claim(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.prefix+":nonce:"+deviceID+":"+nonce, 1, ttl).Result()
}

// Sign computes the hex HMAC-SHA256 of the canonical request string
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n%s", method, path, timestamp, nonce, hex.EncodeToString(sum[:]))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the device headers on req. body must be the exact bytes
// sent as the request body.
func SignRequest(req *http.Request, deviceID, secret, nonce string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderDeviceID, deviceID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(secret, req.Method, req.URL.Path, ts, nonce, body))
}

// Authenticator verifies signed device requests.
type Authenticator struct {
	Devices Registry
	Nonces  NonceStore
	Skew    time.Duration
	Now     func() time.Time
}

type deviceKey struct{}

// DeviceFromContext returns the authenticated device.
func DeviceFromContext(ctx context.Context) (Device, bool) {
	d, ok := ctx.Value(deviceKey{}).(Device)
	return d, ok
}

// Middleware rejects unsigned, stale, replayed or forged requests with a
// fixed 401 body and stores the Device in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dev, cause := a.verify(r)
		if cause != "" {
			metrics.DeviceAuthFailures.WithLabelValues(cause).Inc()
			slog.Warn("device auth rejected", "device", r.Header.Get(HeaderDeviceID), "cause", cause)
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceKey{}, dev)))
	})
}

func (a *Authenticator) verify(r *http.Request) (Device, string) {
	id := r.Header.Get(HeaderDeviceID)
	tsRaw := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sig := r.Header.Get(HeaderSignature)
	if id == "" || tsRaw == "" || nonce == "" || sig == "" {
		return Device{}, "missing_headers"
	}
	dev, ok := a.Devices.Device(id)
	if !ok {
		return Device{}, "unknown_device"
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Device{}, "bad_timestamp"
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	skew := a.Skew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	delta := now().Sub(time.Unix(ts, 0))
	if delta > skew || delta < -skew {
		return Device{}, "stale_timestamp"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return Device{}, "unreadable_body"
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	want := Sign(dev.Secret, r.Method, r.URL.Path, tsRaw, nonce, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Device{}, "bad_signature"
	}

	// Claim after the signature check so forged requests cannot burn nonces.
	fresh, err := a.Nonces.Claim(r.Context(), id, nonce, 2*skew)
	if err != nil {
		slog.Error("nonce store unavailable", "device", id, "err", err)
		return Device{}, "nonce_store"
	}
	if !fresh {
		return Device{}, "replayed_nonce"
	}
	return dev, ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
