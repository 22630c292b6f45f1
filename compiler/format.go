package compiler

import (
	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/ir"
)

// formatFor derives the dispatch ServiceFormat for a catalog entry. The
// catalog's ExecutorRef only distinguishes the binding mechanism
// (function/http/grpc/websocket); LLM calls and connector-backed entries
// are flagged separately on the entry, so this mapping layers those flags
// on top of the binding kind rather than requiring the catalog to carry
// the full executor-format enum itself.
func formatFor(e *catalog.Entry) ir.ServiceFormat {
	if e.IsLLMCall {
		return ir.FormatLLMCall
	}
	if e.Category == catalog.CategoryConnector {
		return ir.FormatConnector
	}
	switch e.Executor.Kind {
	case catalog.ExecutorHTTPRef:
		return ir.FormatHTTP
	case catalog.ExecutorGRPCRef:
		return ir.FormatGRPC
	case catalog.ExecutorWebSocketRef:
		return ir.FormatConnector
	case catalog.ExecutorFunctionRef:
		return ir.FormatNative
	default:
		return ir.FormatNative
	}
}
