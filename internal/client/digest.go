package client

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// DigestTransport answers RFC 2617 Digest challenges from the master.
// The first request goes out unauthenticated; on a 401 with a Digest
// challenge the request is replayed once with an Authorization header.
type DigestTransport struct {
	Username string
	Password string
	Base     http.RoundTripper
}

func (t *DigestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || t.Username == "" || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Digest ") {
		return resp, nil
	}
	retry, rerr := replayableRequest(req)
	if rerr != nil {
		return resp, nil
	}
	_ = resp.Body.Close()

	params := parseChallenge(strings.TrimPrefix(challenge, "Digest "))
	retry.Header.Set("Authorization", t.authorization(retry, params))
	return base.RoundTrip(retry)
}

// replayableRequest clones req with a fresh body. Requests built by
// http.NewRequest from an in-memory reader carry GetBody and can be
// replayed; streaming bodies cannot.
func replayableRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("op=client.digest: request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("op=client.digest: %w", err)
	}
	retry.Body = body
	return retry, nil
}

func (t *DigestTransport) authorization(req *http.Request, params map[string]string) string {
	realm := params["realm"]
	nonce := params["nonce"]
	uri := req.URL.RequestURI()

	ha1 := md5hex(t.Username + ":" + realm + ":" + t.Password)
	ha2 := md5hex(req.Method + ":" + uri)

	if !strings.Contains(params["qop"], "auth") {
		response := md5hex(ha1 + ":" + nonce + ":" + ha2)
		return fmt.Sprintf(`Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q, algorithm=MD5`,
			t.Username, realm, nonce, uri, response)
	}

	cnonce := randomCnonce()
	nc := "00000001"
	response := md5hex(strings.Join([]string{ha1, nonce, nc, cnonce, "auth", ha2}, ":"))
	return fmt.Sprintf(`Digest username=%q, realm=%q, nonce=%q, uri=%q, qop=auth, nc=%s, cnonce=%q, response=%q, algorithm=MD5`,
		t.Username, realm, nonce, uri, nc, cnonce, response)
}

func randomCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// parseChallenge splits the challenge on commas outside quoted strings.
func parseChallenge(s string) map[string]string {
	params := map[string]string{}
	var sb strings.Builder
	inQuotes := false
	flush := func() {
		part := strings.TrimSpace(sb.String())
		sb.Reset()
		if k, v, ok := strings.Cut(part, "="); ok {
			params[strings.ToLower(k)] = strings.Trim(v, `"`)
		}
	}
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			flush()
			continue
		}
		sb.WriteRune(c)
	}
	flush()
	return params
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
