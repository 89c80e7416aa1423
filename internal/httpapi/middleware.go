package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "identity"

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", ctx.ClientIP()),
		)
	}
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if timeout <= 0 {
			ctx.Next()
			return
		}
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}

func (handler *Handler) authenticate(ctx *gin.Context) {
	caller, err := handler.verifier.Resolve(ctx.Request.Context(), ctx.GetHeader("Authorization"))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid bearer token"))
		return
	}
	ctx.Set(identityContextKey, caller)
	ctx.Next()
}

func getIdentity(ctx *gin.Context) (identity.Identity, bool) {
	value, ok := ctx.Get(identityContextKey)
	if !ok {
		return identity.Identity{}, false
	}
	caller, ok := value.(identity.Identity)
	return caller, ok
}
