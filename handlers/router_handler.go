package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/halbert/dispatch/internal/rag"
	"github.com/halbert/dispatch/middleware"
	"github.com/halbert/dispatch/services/backends"
	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/routing"
	"github.com/halbert/dispatch/utils"
)

// RouteRequest is the body of POST /route and the common part of every
// generation request.
type RouteRequest struct {
	Prompt           string `json:"prompt" validate:"required"`
	TaskType         string `json:"task_type,omitempty" validate:"omitempty,oneof=chat code_generation code_analysis system_command reasoning quick_query"`
	PreferSpecialist bool   `json:"prefer_specialist,omitempty"`
}

func (r RouteRequest) task() routing.Task {
	// task_type is already validated
	t, _ := routing.ParseTaskType(r.TaskType)
	return routing.Task{Prompt: r.Prompt, Type: t, PreferSpecialist: r.PreferSpecialist}
}

// RouteResponse is a routing decision.
type RouteResponse struct {
	Backend    routing.BackendRef `json:"backend"`
	Complexity float64            `json:"complexity"`
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Prompt           string           `json:"prompt" validate:"required"`
	TaskType         string           `json:"task_type,omitempty" validate:"omitempty,oneof=chat code_generation code_analysis system_command reasoning quick_query"`
	PreferSpecialist bool             `json:"prefer_specialist,omitempty"`
	Options          backends.Options `json:"options"`
}

func (r GenerateRequest) route() RouteRequest {
	return RouteRequest{Prompt: r.Prompt, TaskType: r.TaskType, PreferSpecialist: r.PreferSpecialist}
}

// ConversationRequest is the body of POST /conversations/generate. A
// missing context starts a new conversation.
type ConversationRequest struct {
	Prompt           string                       `json:"prompt" validate:"required"`
	TaskType         string                       `json:"task_type,omitempty" validate:"omitempty,oneof=chat code_generation code_analysis system_command reasoning quick_query"`
	PreferSpecialist bool                         `json:"prefer_specialist,omitempty"`
	Options          backends.Options             `json:"options"`
	Context          *handoff.ConversationContext `json:"context,omitempty" validate:"omitempty"`
}

func (r ConversationRequest) route() RouteRequest {
	return RouteRequest{Prompt: r.Prompt, TaskType: r.TaskType, PreferSpecialist: r.PreferSpecialist}
}

// ConversationResponse carries the reply and the full updated conversation.
type ConversationResponse struct {
	Response *routing.Response            `json:"response"`
	Context  *handoff.ConversationContext `json:"context"`
}

// PrepareHandoffRequest is the body of POST /handoff/prepare.
type PrepareHandoffRequest struct {
	Context     handoff.ConversationContext `json:"context"`
	TargetModel string                      `json:"target_model,omitempty"`
	MaxTokens   int                         `json:"max_tokens" validate:"required,min=1"`
	Strategy    string                      `json:"strategy,omitempty" validate:"omitempty,oneof=full summarized minimal rag_enhanced"`
}

// PrepareHandoffResponse is a prepared context and its estimated loss.
type PrepareHandoffResponse struct {
	Prepared    *handoff.PreparedContext   `json:"prepared"`
	Formatted   []handoff.FormattedMessage `json:"formatted"`
	QualityLoss float64                    `json:"quality_loss"`
}

// RouterHandler serves routing, generation and handoff endpoints.
type RouterHandler struct {
	router    *routing.ModelRouter
	engine    *handoff.Engine
	retriever rag.Retriever
	ragLimit  int
	logger    *zap.Logger
}

// RouterHandlerOption configures a RouterHandler.
type RouterHandlerOption func(*RouterHandler)

// WithRetriever folds up to limit retrieved passages into every
// conversation before it is routed.
func WithRetriever(r rag.Retriever, limit int) RouterHandlerOption {
	return func(h *RouterHandler) {
		h.retriever = r
		h.ragLimit = limit
	}
}

// NewRouterHandler creates a new RouterHandler
func NewRouterHandler(router *routing.ModelRouter, engine *handoff.Engine, logger *zap.Logger, opts ...RouterHandlerOption) *RouterHandler {
	h := &RouterHandler{router: router, engine: engine, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRoute handles POST /api/v1/route
func (h *RouterHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, RouteResponse{
		Backend:    h.router.Route(req.task()),
		Complexity: routing.Complexity(req.Prompt),
	})
}

// HandleGenerate handles POST /api/v1/generate
func (h *RouterHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	resp, err := h.router.Generate(r.Context(), req.route().task(), req.Options)
	if err != nil {
		h.logger.Warn("generate failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, resp)
}

// HandleConversationGenerate handles POST /api/v1/conversations/generate
func (h *RouterHandler) HandleConversationGenerate(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	ctx := r.Context()
	conversation := req.Context
	if h.retriever != nil {
		results, err := h.retriever.Retrieve(ctx, req.Prompt)
		if err != nil {
			h.logger.Warn("retrieval failed, continuing without references",
				zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
				zap.Error(err))
		} else if folded := rag.Fold(results, h.ragLimit); len(folded) > 0 {
			if conversation == nil {
				conversation = &handoff.ConversationContext{SystemPrompt: routing.DefaultSystemPrompt}
			} else {
				conversation = conversation.Clone()
			}
			conversation.RAGContext = append(conversation.RAGContext, folded...)
		}
	}

	resp, updated, err := h.router.GenerateWithContext(ctx, req.route().task(), conversation, req.Options)
	if err != nil {
		h.logger.Warn("conversation generate failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, ConversationResponse{Response: resp, Context: updated})
}

// HandlePrepareHandoff handles POST /api/v1/handoff/prepare
func (h *RouterHandler) HandlePrepareHandoff(w http.ResponseWriter, r *http.Request) {
	var req PrepareHandoffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	prepared := h.engine.PrepareHandoff(&req.Context, req.TargetModel, req.MaxTokens, handoff.Strategy(req.Strategy))
	_ = utils.WriteOK(w, PrepareHandoffResponse{
		Prepared:    prepared,
		Formatted:   handoff.FormatForBackend(&prepared.ConversationContext),
		QualityLoss: h.engine.EstimateQualityLoss(&req.Context, &prepared.ConversationContext),
	})
}

// HandleStatus handles GET /api/v1/router/status
func (h *RouterHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.router.GetStatus(r.Context()))
}

// HandleListModels handles GET /api/v1/router/models
func (h *RouterHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.router.ListAvailableModels(r.Context())
	if models == nil {
		models = []backends.ModelInfo{}
	}
	_ = utils.WriteOK(w, models)
}

// HandleSetSpecialist handles PUT /api/v1/router/specialist
func (h *RouterHandler) HandleSetSpecialist(w http.ResponseWriter, r *http.Request) {
	var ref routing.BackendRef
	if err := decodeJSON(w, r, &ref); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.router.SetSpecialist(r.Context(), ref); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("specialist changed via API",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("specialist", ref.String()),
		zap.String("sub", subject(r)))
	_ = utils.WriteOK(w, h.router.GetStatus(r.Context()).Specialist)
}

// HandleDisableSpecialist handles DELETE /api/v1/router/specialist
func (h *RouterHandler) HandleDisableSpecialist(w http.ResponseWriter, r *http.Request) {
	if err := h.router.DisableSpecialist(r.Context()); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("specialist disabled via API",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("sub", subject(r)))
	utils.WriteNoContent(w)
}

func subject(r *http.Request) string {
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
