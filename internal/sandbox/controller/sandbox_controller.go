// Package controller exposes the sandbox manager over HTTP.
package controller

import (
	"errors"
	"io"
	"time"

	"neuroflow/internal/sandbox"
	"neuroflow/internal/sandbox/spec"
	"neuroflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SandboxController handles sandbox registration and skill execution.
type SandboxController struct {
	svc      sandbox.Service
	defaults spec.SandboxConfig
}

// NewSandboxController creates a new controller. defaults fill fields a
// registration request leaves out.
func NewSandboxController(svc sandbox.Service, defaults spec.SandboxConfig) *SandboxController {
	return &SandboxController{svc: svc, defaults: defaults.Clone()}
}

// RegisterRoutes mounts the API on api, normally the /api/v1 group.
func (h *SandboxController) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/agents/:agent/sandboxes", h.Register)
	api.DELETE("/agents/:agent", h.Unregister)
	api.POST("/agents/:agent/skills/:skill", h.ExecuteAgentSkill)
	api.GET("/sandboxes", h.List)
	api.GET("/sandboxes/:id", h.Get)
	api.POST("/sandboxes/:id/execute", h.ExecuteSandbox)
	api.DELETE("/sandboxes/:id", h.Stop)
	api.GET("/stats", h.Stats)
}

// Register creates or reuses a sandbox for an agent.
func (h *SandboxController) Register(c *gin.Context) {
	agentID := c.Param("agent")
	if agentID == "" {
		response.BadRequest(c, "Invalid agent id")
		return
	}
	var req RegisterRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	id, err := h.svc.RegisterSandbox(c.Request.Context(), agentID, req.toConfig(h.defaults))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, RegisterResponse{SandboxID: id, AgentID: agentID})
}

// Unregister stops every sandbox of an agent.
func (h *SandboxController) Unregister(c *gin.Context) {
	if err := h.svc.Unregister(c.Request.Context(), c.Param("agent")); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Agent unregistered", nil)
}

// ExecuteAgentSkill runs a skill in one of the agent's sandboxes.
func (h *SandboxController) ExecuteAgentSkill(c *gin.Context) {
	var req ExecuteRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	start := time.Now()
	out, err := h.svc.ExecuteAgentSkill(c.Request.Context(), c.Param("agent"), c.Param("skill"), req.Payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ExecuteResponse{Result: out, DurationMs: time.Since(start).Milliseconds()})
}

// ExecuteSandbox runs a skill in one specific sandbox.
func (h *SandboxController) ExecuteSandbox(c *gin.Context) {
	var req ExecuteRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if req.Skill == "" {
		response.BadRequest(c, "skill is required")
		return
	}
	start := time.Now()
	out, err := h.svc.ExecuteSandbox(c.Request.Context(), c.Param("id"), req.Skill, req.Payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ExecuteResponse{Result: out, DurationMs: time.Since(start).Milliseconds()})
}

// Stop shuts one sandbox down.
func (h *SandboxController) Stop(c *gin.Context) {
	if err := h.svc.StopSandbox(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Sandbox stopped", nil)
}

func (h *SandboxController) Get(c *gin.Context) {
	info, err := h.svc.Sandbox(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

func (h *SandboxController) List(c *gin.Context) {
	response.Success(c, h.svc.List())
}

func (h *SandboxController) Stats(c *gin.Context) {
	response.Success(c, h.svc.Stats())
}

// bindOptionalJSON decodes the body when there is one.
func bindOptionalJSON(c *gin.Context, out interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
