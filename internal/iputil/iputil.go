// Package iputil resolves submitter addresses and hashes them for rate limiting.
package iputil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const cdnHeader = "CF-Connecting-IP"

// Resolver picks the client address for a request. Forwarding headers are only believed
// when the direct peer is loopback or inside TrustedProxies.
type Resolver struct {
	TrustedProxies []netip.Prefix
	TrustCDNHeader bool
}

func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if !strings.Contains(value, "/") {
			addr, err := netip.ParseAddr(value)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func (r Resolver) ClientIP(req *http.Request) string {
	if req == nil {
		return ""
	}
	peer := remoteAddr(req.RemoteAddr)
	if !peer.IsValid() {
		return ""
	}
	if !r.trusted(peer) {
		return peer.String()
	}
	if r.TrustCDNHeader {
		if ip := Normalize(req.Header.Get(cdnHeader)); ip != "" {
			return ip
		}
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		// Walk from the nearest hop and stop at the first one we do not operate.
		for i := len(hops) - 1; i >= 0; i-- {
			ip := Normalize(hops[i])
			if ip == "" {
				break
			}
			addr := netip.MustParseAddr(ip)
			if i == 0 || !r.trusted(addr) {
				return ip
			}
		}
	}
	return peer.String()
}

func (r Resolver) trusted(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	for _, prefix := range r.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(raw string) netip.Addr {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// Normalize returns the canonical form of a single IP address, or "" when raw is not one.
func Normalize(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return ""
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return ""
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() {
		return ""
	}
	return addr.String()
}

func Valid(raw string) bool {
	return Normalize(raw) != ""
}

// Hasher produces a keyed one-way hash of an address. The same salt always yields the same hash.
type Hasher struct {
	key [32]byte
}

func NewHasher(salt string) (*Hasher, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, errors.New("ip hash salt is empty")
	}
	return &Hasher{key: blake2b.Sum256([]byte(salt))}, nil
}

func (h *Hasher) Hash(ip string) string {
	ip = Normalize(ip)
	if ip == "" {
		return ""
	}
	mac, err := blake2b.New256(h.key[:])
	if err != nil {
		return ""
	}
	_, _ = mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadOrCreateSalt returns the stored salt, generating and persisting one on first use.
func LoadOrCreateSalt(ctx context.Context, options storage.OptionStore) (string, error) {
	var salt string
	err := options.UpdateOption(ctx, letters.OptionIPHashSalt, func(current string, exists bool) (string, error) {
		if exists && strings.TrimSpace(current) != "" {
			salt = current
			return current, nil
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		salt = hex.EncodeToString(buf)
		return salt, nil
	})
	return salt, err
}
