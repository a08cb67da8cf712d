package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/billingprovider/stripe"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, stripe.MaxWebhookBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	notification, err := s.parser.Parse(payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		ctxlogger.WithContext(c.Request.Context(), s.log).Warn("rejected stripe webhook", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconciler.Handle(c.Request.Context(), notification)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": string(outcome)})
}

// rejectedNotification reports parser failures the sender cannot fix by retrying.
func rejectedNotification(err error) bool {
	return errors.Is(err, billingdomain.ErrInvalidSignature) ||
		errors.Is(err, billingdomain.ErrMalformedNotification)
}
