package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-service/internal/idempotency"
	"github.com/akylbek/payment-system/payment-service/internal/telemetry"
)

const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	ContextKeyIdempotency = "idempotency_key"
	ContextKeyRequestHash = "request_hash"
	maxKeyLength          = 255
)

// IdempotencyMiddleware requires an Idempotency-Key, fingerprints the request body and
// answers directly with the stored response when the key is already fresh.
func IdempotencyMiddleware(keys *idempotency.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header is required"})
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key must be at most 255 characters"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := RequestHash(body)

		lookup, err := keys.Lookup(c.Request.Context(), key)
		if err != nil {
			telemetry.Logger.Warn("Idempotency lookup failed", zap.String("idempotency_key", key), zap.Error(err))
		} else if lookup.State == idempotency.Fresh {
			if lookup.Record.RequestHash != hash {
				telemetry.Logger.Warn("Idempotency key reused with a different request",
					zap.String("idempotency_key", key),
					zap.String("payment_id", lookup.Record.PaymentID),
				)
			}
			c.Header("Idempotent-Replayed", "true")
			c.Data(lookup.Record.StatusCode, "application/json; charset=utf-8", lookup.Record.ResponseBody)
			c.Abort()
			return
		}

		c.Set(ContextKeyIdempotency, key)
		c.Set(ContextKeyRequestHash, hash)
		c.Next()
	}
}

// RequestHash fingerprints a request body. JSON bodies are canonicalized first so
// formatting and key order do not matter.
func RequestHash(body []byte) string {
	canonical := body
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
