package venue

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-router/pkg/response"
)

// GinHandlers exposes venue health to operators.
type GinHandlers struct {
	router *Router
}

func NewGinHandlers(router *Router) *GinHandlers {
	return &GinHandlers{router: router}
}

// StatusHandler lists every venue breaker.
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"mode":   h.router.Mode(),
			"venues": h.router.Status(),
		})
	}
}

// ResetHandler forces a venue back to AVAILABLE.
// URL parameter: venue_id
func (h *GinHandlers) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("venue_id")
		if err := h.router.Reset(id); err != nil {
			if errors.Is(err, ErrUnknownVenue) {
				response.NotFound(c, "Venue not found")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		log.Warn().Str("venue", id).Str("by", c.GetString("clientID")).Msg("venue breaker reset by operator")

		b, _ := h.router.Breaker(id)
		response.Success(c, b.Status())
	}
}
