package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"

	apperrors "github.com/pyrus-bots/escalator/internal/errors"
)

var userAgentPattern = regexp.MustCompile(`^Pyrus-Bot-(\d+)$`)

const supportedBotVersion = "4"

// allowedRetries enumerates the delivery attempt markers the Service
// sends; anything else is rejected.
var allowedRetries = map[string]struct{}{
	"1/3": {},
	"2/3": {},
	"3/3": {},
}

// VerifyRequest checks the User-Agent, X-Pyrus-Sig and X-Pyrus-Retry
// headers against the raw request body. Returns nil when the request is
// an authentic Service delivery.
func VerifyRequest(r *http.Request, body []byte, secret string) error {
	m := userAgentPattern.FindStringSubmatch(r.Header.Get("User-Agent"))
	if m == nil {
		return apperrors.New(apperrors.ErrorTypeValidation, "invalid user agent")
	}
	if m[1] != supportedBotVersion {
		return apperrors.New(apperrors.ErrorTypeValidation, "unsupported Pyrus API version")
	}

	sig := r.Header.Get("X-Pyrus-Sig")
	if sig == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "missing signature")
	}
	sig = strings.TrimPrefix(sig, "sha1=")
	if !signatureMatches(body, secret, sig) {
		return apperrors.New(apperrors.ErrorTypeValidation, "invalid signature")
	}

	if _, ok := allowedRetries[r.Header.Get("X-Pyrus-Retry")]; !ok {
		return apperrors.New(apperrors.ErrorTypeValidation, "invalid retry header")
	}
	return nil
}

// signatureMatches compares the hex HMAC-SHA1 of body under secret with
// the presented signature in constant time.
func signatureMatches(body []byte, secret, signature string) bool {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}
