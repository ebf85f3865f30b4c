package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// SignatureHeader carries the provider's HMAC over the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// VerifyWebhookSignature rejects webhook deliveries whose body does not
// carry a valid HMAC-SHA256 signature under the shared secret. An empty
// secret disables verification, which is only acceptable in development
// mode.
func VerifyWebhookSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))

			got := r.Header.Get(SignatureHeader)
			if got == "" || !hmac.Equal([]byte(expected), []byte(got)) {
				WriteJSONError(w, r, http.StatusUnauthorized, "invalid_signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
