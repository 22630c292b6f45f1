package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.NoOp{}

	nodeReg := registry.NewInMemoryRegistry(nil, logger)
	require.NoError(t, nodeReg.Register(context.Background(), registry.CentralNode()))

	signer := catalog.NewSigner("test-secret")
	cat := catalog.New(newStaticCatalogSource(), signer, nil, nil, 0, logger)

	native := executor.NewNativeExecutor()
	native.Register("slack.post", func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	execs := executor.NewRegistry()
	execs.Register(ir.FormatNative, native)

	store := audit.NewBufferedStore()
	chain := audit.NewChain(store)
	vm := svm.New(execs, chain, logger)
	dispatcher := dispatch.New(nodeReg, logger)
	orch := svm.NewOrchestrator(vm, dispatcher, chain, logger)

	driverNode := func(driverID string) (string, bool) { return "", false }

	return &Server{
		logger:     logger,
		nodeID:     "central",
		catalog:    cat,
		pipeline:   compiler.NewPipeline(cat, logger),
		planner:    planner.New(nodeReg, driverNode),
		registry:   nodeReg,
		versions:   version.NewInMemoryStore(),
		dispatcher: dispatcher,
		executors:  execs,
		vm:         vm,
		orch:       orch,
		auditStore: store,
		activator:  trigger.NewActivator(trigger.New(logger), dispatcher, nil, trigger.NewBus(logger), logger),
		bridges:    map[string]*BridgeDriver{},
	}
}

func testProgram() *ir.Program {
	return &ir.Program{
		WorkflowID:      "wf-handler-test",
		WorkflowVersion: 1,
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTrigger, Dest: "reg_event"},
			{
				Index: 1, Opcode: ir.OpCallService, Src: []string{"reg_event"}, Dest: "reg_posted",
				Operands: map[string]interface{}{"capabilityId": "slack.post", "functionName": "slack.post"},
			},
		},
	}
}

func TestHandleCompileReturnsChecksummedWorkflow(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	body, err := json.Marshal(testProgram())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/compile", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var compiled CompiledWorkflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &compiled))
	assert.NotEmpty(t, compiled.Metadata.Checksum)
	assert.Equal(t, compilerVersion, compiled.Metadata.CompilerVersion)
	require.NotNil(t, compiled.DistributionPlan)
	assert.NotEmpty(t, compiled.DistributionPlan.Slices)
}

func TestHandleCompileRejectsMissingCapabilityID(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	program := &ir.Program{
		WorkflowID: "wf-bad",
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpCallService, Dest: "reg_out"},
		},
	}
	body, err := json.Marshal(program)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/compile", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleExecuteSliceRefusesChecksumMismatch(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	payload := dispatch.SliceDispatchPayload{
		PlanID:  "wf-1",
		SliceID: "central",
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: "reg_out", Operands: map[string]interface{}{"fn": "identity"}},
		},
		InstructionOrder: []int{0},
		Checksum:         "not-the-real-checksum",
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/execute-slice", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleExecuteSliceRunsSliceOnChecksumMatch(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	instructions := []ir.Instruction{
		{Index: 0, Opcode: ir.OpTransform, Dest: "reg_out", Operands: map[string]interface{}{"fn": "identity"}, Src: []string{"reg_in"}},
	}
	checksum, err := ir.SliceChecksum(instructions)
	require.NoError(t, err)

	payload := dispatch.SliceDispatchPayload{
		PlanID:           "wf-2",
		SliceID:          "central",
		Instructions:     instructions,
		InstructionOrder: []int{0},
		RegisterValues:   map[string]interface{}{"reg_in": 7.0},
		Checksum:         checksum,
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/execute-slice", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result dispatch.SliceResultPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, dispatch.SliceSuccess, result.Status)
	assert.Equal(t, 7.0, result.OutputRegisters["reg_out"])
}

func TestHandleVerifyChainReportsLinkedEvents(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	require.NoError(t, s.auditStore.Append(audit.Event{WorkflowID: "wf-3", Index: 0, PreviousEventHash: audit.GenesisHash, SelfHash: "a"}))

	req := httptest.NewRequest(http.MethodGet, "/audit/verify?workflowId=wf-3", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result audit.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.TotalEvents)
}

func TestBearerAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	s.bearerToken = "secret-token"
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthMiddlewareAcceptsValidToken(t *testing.T) {
	s := newTestServer(t)
	s.bearerToken = "secret-token"
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
