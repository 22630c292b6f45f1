package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/scperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReturnsNoExecutorErrorForUnregisteredFormat(t *testing.T) {
	reg := NewRegistry()
	resp := reg.Execute(context.Background(), ir.FormatWASM, Request{})
	require.Error(t, resp.Err)

	var execErr *scperrors.ExecutorError
	require.ErrorAs(t, resp.Err, &execErr)
	assert.Equal(t, "NO_EXECUTOR", execErr.Code)
}

func TestNativeExecutorDispatchesRegisteredFunction(t *testing.T) {
	native := NewNativeExecutor()
	native.Register("double", func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error) {
		n, _ := inputs["value"].(float64)
		return n * 2, nil
	})

	reg := NewRegistry()
	reg.Register(ir.FormatNative, native)

	resp := reg.Execute(context.Background(), ir.FormatNative, Request{
		Operands: map[string]interface{}{"functionName": "double"},
		Inputs:   map[string]interface{}{"value": 21.0},
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, 42.0, resp.Output)
}

func TestNativeExecutorReturnsStructuredErrorForUnknownFunction(t *testing.T) {
	native := NewNativeExecutor()
	resp := native.Execute(context.Background(), Request{Operands: map[string]interface{}{"functionName": "missing"}})
	require.Error(t, resp.Err)
	var execErr *scperrors.ExecutorError
	require.ErrorAs(t, resp.Err, &execErr)
	assert.Equal(t, "FUNCTION_NOT_FOUND", execErr.Code)
}

func TestNativeExecutorIsIdempotentGivenIdenticalInputs(t *testing.T) {
	native := NewNativeExecutor()
	calls := 0
	native.Register("echo", func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error) {
		calls++
		return inputs["x"], nil
	})

	req := Request{Operands: map[string]interface{}{"functionName": "echo"}, Inputs: map[string]interface{}{"x": "same"}}
	r1 := native.Execute(context.Background(), req)
	r2 := native.Execute(context.Background(), req)
	assert.Equal(t, r1.Output, r2.Output)
	assert.Equal(t, 2, calls)
}

func TestHTTPExecutorSendsInputsAndParsesJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	httpExec := NewHTTPExecutor()
	resp := httpExec.Execute(context.Background(), Request{
		Operands: map[string]interface{}{"url": server.URL, "method": http.MethodPost},
		Inputs:   map[string]interface{}{"a": 1},
	})
	require.NoError(t, resp.Err)
	assert.Equal(t, map[string]interface{}{"ok": true}, resp.Output)
}

func TestHTTPExecutorReturnsStructuredErrorOnNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	httpExec := NewHTTPExecutor()
	resp := httpExec.Execute(context.Background(), Request{Operands: map[string]interface{}{"url": server.URL}})
	require.Error(t, resp.Err)
	var execErr *scperrors.ExecutorError
	require.ErrorAs(t, resp.Err, &execErr)
	assert.Equal(t, "HTTP_STATUS", execErr.Code)
}

func TestHTTPExecutorRequiresURL(t *testing.T) {
	httpExec := NewHTTPExecutor()
	resp := httpExec.Execute(context.Background(), Request{})
	require.Error(t, resp.Err)
}
