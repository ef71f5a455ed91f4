package origin

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

// GinOption configures PaymentMiddleware, mirroring the teacher SDK's
// functional-options shape (coinbase-x402/go/pkg/gin.Options).
type GinOption func(*ginOptions)

type ginOptions struct {
	onSettled func(*gin.Context, Outcome)
}

// WithOnSettled registers a callback invoked after a successful
// settlement, so handlers can log or emit metrics without the
// middleware needing to know about either concern directly.
func WithOnSettled(fn func(*gin.Context, Outcome)) GinOption {
	return func(o *ginOptions) { o.onSettled = fn }
}

// PaymentMiddleware gates a gin route group behind v: unpaid requests
// receive a 402 challenge, paid requests are verified and settled via
// work, and verification failures are written as the matching 4xx.
// Adapted from the teacher SDK's gin.PaymentMiddleware
// (coinbase-x402/go/pkg/gin/middleware.go), replacing its on-chain
// facilitator round trip with the ACE verifier's in-process checks.
func PaymentMiddleware(v *Verifier, work func(*gin.Context) (interface{}, error), opts ...GinOption) gin.HandlerFunc {
	o := &ginOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return func(c *gin.Context) {
		var bodyString string
		if c.Request.Body != nil {
			data, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
				return
			}
			bodyString = string(data)
		}

		info := RequestInfo{
			Method:  c.Request.Method,
			URL:     c.Request.URL.String(),
			Body:    bodyString,
			Headers: c.Request.Header,
		}

		decision, err := v.Verify(info)
		if err != nil {
			verr, ok := err.(*Error)
			if !ok {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
				return
			}
			c.Header("Content-Type", "application/json")
			c.AbortWithStatusJSON(verr.Status(), gin.H{"error": string(verr.Kind), "message": verr.Message})
			return
		}

		if decision.ChallengeRequired != nil {
			if err := v.WritePaymentRequired(c.Writer, *decision.ChallengeRequired); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			}
			c.Abort()
			return
		}

		outcome, err := v.Settle(decision, func() (interface{}, error) {
			return work(c)
		})
		if err != nil {
			verr, ok := err.(*Error)
			if !ok {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
				return
			}
			c.AbortWithStatusJSON(verr.Status(), gin.H{"error": string(verr.Kind), "message": verr.Message})
			return
		}

		originalHeader := c.GetHeader(wire.HeaderPaymentSignature)
		if originalHeader == "" {
			originalHeader = c.GetHeader(wire.AltHeaderXPayment)
		}
		if originalHeader == "" {
			originalHeader = c.GetHeader(wire.AltHeaderAcePayment)
		}

		if err := v.WriteSettled(c.Writer, originalHeader, outcome); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		if o.onSettled != nil {
			o.onSettled(c, outcome)
		}
		c.Abort()
	}
}
