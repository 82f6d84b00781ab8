package middleware

import (
	"context"
	"strings"

	"neuroflow/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	agentIDHeader   = "X-Agent-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
	agentIDContextKey   = "agent_id"
)

// TraceContextConfig controls how trace/request/agent ids are extracted and written.
type TraceContextConfig struct {
	// AgentParam names the route parameter holding the agent id.
	AgentParam string
	// AllowAgentIDHeader accepts X-Agent-Id when the route has no agent parameter.
	AllowAgentIDHeader bool
}

// TraceContextMiddleware ensures trace/request/agent ids are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AgentParam:         "agent",
		AllowAgentIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		traceID := headerOrNew(c, traceIDHeader)
		c.Set(traceIDContextKey, traceID)
		ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
		c.Writer.Header().Set(traceIDHeader, traceID)

		requestID := headerOrNew(c, requestIDHeader)
		c.Set(requestIDContextKey, requestID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		agentID := ""
		if cfg.AgentParam != "" {
			agentID = strings.TrimSpace(c.Param(cfg.AgentParam))
		}
		if agentID == "" && cfg.AllowAgentIDHeader {
			agentID = strings.TrimSpace(c.GetHeader(agentIDHeader))
		}
		if agentID != "" {
			c.Set(agentIDContextKey, agentID)
			ctx = contextkey.WithAgent(ctx, agentID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func headerOrNew(c *gin.Context, header string) string {
	if v := strings.TrimSpace(c.GetHeader(header)); v != "" {
		return v
	}
	return uuid.NewString()
}
