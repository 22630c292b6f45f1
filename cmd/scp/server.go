package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kraklabs/scp/audit"
	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/compiler"
	"github.com/kraklabs/scp/dispatch"
	"github.com/kraklabs/scp/executor"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/planner"
	"github.com/kraklabs/scp/registry"
	"github.com/kraklabs/scp/svm"
	"github.com/kraklabs/scp/trigger"
	"github.com/kraklabs/scp/version"
)

// Server wires every platform component into the HTTP surface a central
// node exposes, following task_api.go's RegisterRoutes/writeError idiom
// rather than reaching for a router framework the teacher never uses.
type Server struct {
	logger logging.Logger
	nodeID string

	catalog    *catalog.Catalog
	pipeline   *compiler.Pipeline
	planner    *planner.Planner
	registry   registry.Registry
	versions   version.Store
	dispatcher *dispatch.Dispatcher
	executors  *executor.Registry
	vm         *svm.VM
	orch       *svm.Orchestrator
	auditStore audit.Store
	activator  *trigger.Activator
	bridges    map[string]*BridgeDriver

	bearerToken string
}

// RegisterRoutes attaches every handler to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.Handle("/nodes", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleNodes)))
	mux.Handle("/nodes/heartbeat", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleHeartbeat)))

	mux.Handle("/compile", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleCompile)))
	mux.Handle("/versions", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleVersions)))
	mux.Handle("/versions/validate", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleValidate)))
	mux.Handle("/versions/promote", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handlePromote)))
	mux.Handle("/run", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleRun)))

	mux.Handle("/execute-slice", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleExecuteSlice)))
	mux.Handle("/activate-trigger", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleActivateTrigger)))
	mux.Handle("/slice-results", bearerAuthMiddleware(s.bearerToken)(http.HandlerFunc(s.handleSliceResult)))

	mux.HandleFunc("/audit/verify", s.handleVerifyChain)

	for driverID := range s.bridges {
		mux.Handle("/bridge/"+driverID, bridgeHandler(s.bridges, s.bearerToken))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError mirrors task_api.go's error-response helper exactly: set the
// content type, write the status, encode the body. Encoding failures are
// discarded (neither logged nor returned) since we're already in error
// handling.
func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// ErrorResponse is the wire shape of every error writeError produces.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// bearerAuthMiddleware rejects requests missing "Authorization: Bearer
// <token>" when a token is configured, mirroring core/middleware.go's
// func(http.Handler) http.Handler wrapping shape. An empty token disables
// the check, so a development node can run without one configured.
func bearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r, token) {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token", "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ---- node registry ----

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var node registry.NodeCapability
		if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
			writeError(w, http.StatusBadRequest, "invalid node capability body", "BAD_REQUEST")
			return
		}
		if err := s.registry.Register(r.Context(), node); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "REGISTER_FAILED")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet:
		nodes, err := s.registry.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "LIST_FAILED")
			return
		}
		s.writeJSON(w, http.StatusOK, nodes)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var body struct {
		NodeID    string          `json:"nodeId"`
		Status    registry.Status `json:"status"`
		LatencyMs float64         `json:"latencyMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid heartbeat body", "BAD_REQUEST")
		return
	}
	if err := s.registry.Heartbeat(r.Context(), body.NodeID, body.Status, body.LatencyMs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "HEARTBEAT_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- compilation / version lifecycle / run ----

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var program ir.Program
	if err := json.NewDecoder(r.Body).Decode(&program); err != nil {
		writeError(w, http.StatusBadRequest, "invalid program body", "BAD_REQUEST")
		return
	}

	result, err := s.pipeline.Compile(r.Context(), &program)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "COMPILE_FAILED")
		return
	}
	if compiler.HasErrors(result.Issues) {
		s.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	if err := s.planner.Plan(r.Context(), result.Resolved); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "PLAN_FAILED")
		return
	}

	doc, err := s.catalog.Build(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "CATALOG_BUILD_FAILED")
		return
	}

	compiled, err := buildCompiledWorkflow(result, doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "CHECKSUM_FAILED")
		return
	}
	s.writeJSON(w, http.StatusOK, compiled)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var body struct {
		ProjectID     string `json:"projectId"`
		ParentVersion int    `json:"parentVersion"`
		IRBinary      []byte `json:"irBinary"`
		ChangeReason  string `json:"changeReason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid version submission body", "BAD_REQUEST")
		return
	}
	v := &version.Version{
		ProjectID:     body.ProjectID,
		ParentVersion: body.ParentVersion,
		IRBinary:      body.IRBinary,
		ChangeReason:  body.ChangeReason,
	}
	submitted, err := version.Submit(s.versions, v)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), "SUBMIT_CONFLICT")
		return
	}
	s.writeJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var body struct {
		ProjectID     string `json:"projectId"`
		VersionNumber int    `json:"versionNumber"`
		ValidatedBy   string `json:"validatedBy"`
		OK            bool   `json:"ok"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid validate body", "BAD_REQUEST")
		return
	}
	v, err := version.Validate(s.versions, body.ProjectID, body.VersionNumber, body.ValidatedBy, body.OK)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), "VALIDATE_CONFLICT")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var body struct {
		ProjectID     string `json:"projectId"`
		VersionNumber int    `json:"versionNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid promote body", "BAD_REQUEST")
		return
	}
	v, err := version.Promote(s.versions, body.ProjectID, body.VersionNumber)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), "PROMOTE_CONFLICT")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var body struct {
		WorkflowID       string                 `json:"workflowId"`
		Resolved         *ir.Resolved           `json:"resolved"`
		TriggerRegisters map[string]interface{} `json:"triggerRegisters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run body", "BAD_REQUEST")
		return
	}

	result, err := s.orch.RunWorkflow(r.Context(), body.WorkflowID, body.Resolved, body.TriggerRegisters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "RUN_FAILED")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// ---- remote slice execution (node side of the dispatcher) ----

func (s *Server) handleExecuteSlice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var payload dispatch.SliceDispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid slice dispatch payload", "BAD_REQUEST")
		return
	}

	checksum, err := ir.SliceChecksum(payload.Instructions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "CHECKSUM_FAILED")
		return
	}
	if checksum != payload.Checksum {
		writeError(w, http.StatusConflict, "slice checksum mismatch: refusing to execute", "INTEGRITY_ERROR")
		return
	}

	slice := &ir.Slice{
		SliceID:          payload.SliceID,
		Instructions:     payload.Instructions,
		InstructionOrder: payload.InstructionOrder,
	}
	registers := svm.NewRegisters(payload.RegisterValues)

	ctx := r.Context()
	if payload.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	result := s.vm.ExecuteSlice(ctx, payload.PlanID, slice, registers, make(chan struct{}))

	out := dispatch.SliceResultPayload{
		PlanID:          payload.PlanID,
		SliceID:         payload.SliceID,
		NodeID:          s.registryNodeID(),
		Status:          dispatch.SliceSuccess,
		OutputRegisters: result.Registers,
		DurationMs:      float64(time.Since(started).Milliseconds()),
	}
	if result.Err != nil {
		out.Status = dispatch.SliceFailed
		out.Error = result.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) registryNodeID() string {
	return s.nodeID
}

func (s *Server) handleSliceResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var result dispatch.SliceResultPayload
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid slice result payload", "BAD_REQUEST")
		return
	}
	s.dispatcher.Resolve(result)
	w.WriteHeader(http.StatusAccepted)
}

// ---- remote trigger activation (node side) ----

func (s *Server) handleActivateTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	var payload trigger.RemoteTriggerActivationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid activation payload", "BAD_REQUEST")
		return
	}

	binding := trigger.TriggerBinding{
		ActivationID:    payload.ActivationID,
		DriverID:        payload.DriverID,
		Config:          payload.DriverConfig,
		CompiledFilter:  payload.CompiledFilter,
		WorkflowID:      payload.WorkflowID,
		WorkflowVersion: payload.WorkflowVersion,
	}
	if err := s.activator.Activate(r.Context(), binding); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "ACTIVATION_FAILED")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ---- audit verification ----

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	workflowID := strings.TrimSpace(r.URL.Query().Get("workflowId"))
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required", "BAD_REQUEST")
		return
	}

	result, err := audit.VerifyChain(s.auditStore, workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "VERIFY_FAILED")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
