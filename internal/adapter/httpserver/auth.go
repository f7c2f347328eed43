package httpserver

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	authRealm = "dist_test"
	nonceTTL  = time.Hour
)

// DigestAuth guards the write endpoints and HTML pages. Requests from
// an allowed IP range pass straight through; everyone else must answer
// an RFC 2617 Digest challenge against the configured account map.
type DigestAuth struct {
	accounts map[string]string
	allowed  []netip.Prefix
	key      string
	nowFn    func() time.Time
}

// NewDigestAuth parses the allowed ranges (CIDR or bare address) and
// seeds a per-process nonce key.
func NewDigestAuth(accounts map[string]string, allowedRanges []string) (*DigestAuth, error) {
	a := &DigestAuth{
		accounts: accounts,
		key:      randomKey(),
		nowFn:    time.Now,
	}
	for _, r := range allowedRanges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			addr, aerr := netip.ParseAddr(r)
			if aerr != nil {
				return nil, fmt.Errorf("op=auth.new range=%q: %w", r, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		a.allowed = append(a.allowed, p)
	}
	return a, nil
}

func randomKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Middleware enforces the access rule on every wrapped route.
func (a *DigestAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.ipAllowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := a.verify(r)
		if !ok {
			a.challenge(w)
			return
		}
		r.Header.Set("X-Auth-User", user)
		next.ServeHTTP(w, r)
	})
}

func (a *DigestAuth) ipAllowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, p := range a.allowed {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

func (a *DigestAuth) challenge(w http.ResponseWriter) {
	nonce := a.newNonce()
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Digest realm=%q, qop="auth", nonce=%q, algorithm=MD5`, authRealm, nonce))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// newNonce binds a timestamp to the process key so nonces expire and
// cannot be minted by clients.
func (a *DigestAuth) newNonce() string {
	ts := strconv.FormatInt(a.nowFn().Unix(), 10)
	return ts + ":" + md5hex(ts+":"+a.key)
}

func (a *DigestAuth) nonceValid(nonce string) bool {
	ts, mac, ok := strings.Cut(nonce, ":")
	if !ok || subtle.ConstantTimeCompare([]byte(mac), []byte(md5hex(ts+":"+a.key))) != 1 {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	return a.nowFn().Sub(time.Unix(sec, 0)) < nonceTTL
}

func (a *DigestAuth) verify(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Digest ") {
		return "", false
	}
	params := parseDigestParams(strings.TrimPrefix(header, "Digest "))
	user := params["username"]
	password, ok := a.accounts[user]
	if !ok || params["realm"] != authRealm || !a.nonceValid(params["nonce"]) {
		return "", false
	}

	ha1 := md5hex(user + ":" + authRealm + ":" + password)
	ha2 := md5hex(r.Method + ":" + params["uri"])
	var expected string
	if params["qop"] == "auth" {
		expected = md5hex(strings.Join([]string{
			ha1, params["nonce"], params["nc"], params["cnonce"], params["qop"], ha2,
		}, ":"))
	} else {
		expected = md5hex(ha1 + ":" + params["nonce"] + ":" + ha2)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(params["response"])) != 1 {
		return "", false
	}
	return user, true
}

func parseDigestParams(s string) map[string]string {
	params := map[string]string{}
	for _, part := range splitDigestParts(s) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(k)] = strings.Trim(v, `"`)
	}
	return params
}

// splitDigestParts splits on commas outside quoted strings; URIs may
// contain commas.
func splitDigestParts(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
			sb.WriteRune(c)
		case c == ',' && !inQuotes:
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(c)
		}
	}
	if sb.Len() > 0 {
		parts = append(parts, sb.String())
	}
	return parts
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
