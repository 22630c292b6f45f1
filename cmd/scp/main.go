// Command scp runs a Semantic Compiler Platform node: the central
// orchestrator when SCP_NODE_ID is unset or "central", otherwise a node
// running under that id; it does not join another node's registry on its
// own. It wires every component package into one process and
// exposes them over stdlib net/http, the same shape core/tool.go gives
// the teacher's BaseAgent.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraklabs/scp/audit"
	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/compiler"
	"github.com/kraklabs/scp/config"
	"github.com/kraklabs/scp/dispatch"
	"github.com/kraklabs/scp/executor"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
	"github.com/kraklabs/scp/planner"
	"github.com/kraklabs/scp/registry"
	"github.com/kraklabs/scp/svm"
	"github.com/kraklabs/scp/trigger"
	"github.com/kraklabs/scp/vault"
	"github.com/kraklabs/scp/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("scp")

	server, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer cleanup()

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scp node listening", map[string]interface{}{"port": cfg.Port, "nodeId": cfg.NodeID})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// buildServer wires catalog, registry, compiler, planner, version store,
// dispatcher, executors, SVM, audit chain, trigger activation and vault
// into a Server, returning a cleanup func for anything that needs an
// orderly teardown (currently the MQTT connector executor, if built).
func buildServer(cfg *config.Config, logger logging.Logger) (*Server, func(), error) {
	ctx := context.Background()
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	vaultClient, err := vault.New(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.Enabled, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("vault: %w", err)
	}

	triggerDrivers := trigger.New(logger)
	nodeReg := registry.NewInMemoryRegistry(func(nodeID string) {
		triggerDrivers.RemoveBySourceNode(nodeID)
		logger.Warn("node went offline", map[string]interface{}{"nodeId": nodeID})
	}, logger)

	var auditStore audit.Store = audit.NewBufferedStore()
	if cfg.Audit.Provider == "redis" && cfg.Audit.RedisURL != "" {
		redisStore, err := audit.NewRedisStore(cfg.Audit.RedisURL, cfg.Namespace)
		if err != nil {
			return nil, cleanup, fmt.Errorf("audit redis store: %w", err)
		}
		auditStore = redisStore
	}
	chain := audit.NewChain(auditStore)

	signer := catalog.NewSigner(cfg.Catalog.SigningSecret)
	cat := catalog.New(newStaticCatalogSource(), signer, cfg.Catalog.RevokedEntries, nil, cfg.Catalog.CacheTTL, logger)

	pipeline := compiler.NewPipeline(cat, logger)

	driverNodeLookup := func(driverID string) (string, bool) {
		for _, node := range listNodesSafe(ctx, nodeReg) {
			for _, d := range node.SupportedTriggerDrivers {
				if d == driverID || d == "*" {
					return node.NodeID, true
				}
			}
		}
		return "", false
	}
	plan := planner.New(nodeReg, driverNodeLookup)

	var versions version.Store = version.NewInMemoryStore()

	dispatcher := dispatch.New(nodeReg, logger)

	executors := buildExecutorRegistry(ctx, logger, &cleanups)

	vm := svm.New(executors, chain, logger)
	orchestrator := svm.NewOrchestrator(vm, dispatcher, chain, logger)

	bus := trigger.NewBus(logger)
	activator := trigger.NewActivator(triggerDrivers, dispatcher, vaultClient, bus, logger)

	bridges := map[string]*BridgeDriver{
		"modbus": NewBridgeDriver("modbus", logger),
		"opcua":  NewBridgeDriver("opcua", logger),
	}
	triggerDrivers.Register(trigger.Local(trigger.Manifest{
		DriverID:          "modbus",
		DisplayName:       "Modbus bridge",
		SupportedTiers:    []string{"LINUX", "MCU"},
		RequiredProtocols: []string{string(registry.ProtoModbus)},
	}, bridges["modbus"], nil))
	triggerDrivers.Register(trigger.Local(trigger.Manifest{
		DriverID:          "opcua",
		DisplayName:       "OPC-UA bridge",
		SupportedTiers:    []string{"LINUX", "CENTRAL"},
		RequiredProtocols: []string{string(registry.ProtoOPCUA)},
	}, bridges["opcua"], nil))

	if err := nodeReg.Register(ctx, registry.CentralNode()); err != nil {
		return nil, cleanup, fmt.Errorf("register central node: %w", err)
	}

	server := &Server{
		logger:      logger,
		nodeID:      cfg.NodeID,
		catalog:     cat,
		pipeline:    pipeline,
		planner:     plan,
		registry:    nodeReg,
		versions:    versions,
		dispatcher:  dispatcher,
		executors:   executors,
		vm:          vm,
		orch:        orchestrator,
		auditStore:  auditStore,
		activator:   activator,
		bridges:     bridges,
		bearerToken: cfg.Dispatch.BearerToken,
	}
	return server, cleanup, nil
}

func listNodesSafe(ctx context.Context, reg registry.Registry) []registry.NodeCapability {
	nodes, err := reg.List(ctx)
	if err != nil {
		return nil
	}
	return nodes
}

// buildExecutorRegistry registers every executor format that can be
// constructed without an unreachable dependency blocking startup. WASM
// needs an explicit runtime warm-up; Docker is skipped with a warning if
// no daemon is reachable; the MQTT connector is only built when a broker
// URL is configured, since most deployments won't run one.
func buildExecutorRegistry(ctx context.Context, logger logging.Logger, cleanups *[]func()) *executor.Registry {
	execs := executor.NewRegistry()

	native := executor.NewNativeExecutor()
	registerDemoNativeFunctions(native, logger)
	execs.Register(ir.FormatNative, native)
	execs.Register(ir.FormatHTTP, executor.NewHTTPExecutor())
	execs.Register(ir.FormatGRPC, executor.NewGRPCExecutor())
	execs.Register(ir.FormatMCP, executor.NewMCPExecutor())
	execs.Register(ir.FormatEmbeddedJS, executor.NewEmbeddedJSExecutor())
	execs.Register(ir.FormatLLMCall, executor.NewLLMExecutor(executor.NewAnthropicProvider()))

	if wasmExec, err := executor.NewWASMExecutor(ctx); err != nil {
		logger.Warn("wasm executor unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		execs.Register(ir.FormatWASM, wasmExec)
	}

	if dockerExec, err := executor.NewDockerExecutor(); err != nil {
		logger.Warn("docker executor unavailable, skipping", map[string]interface{}{"error": err.Error()})
	} else {
		execs.Register(ir.FormatDocker, dockerExec)
	}

	if brokerURL := os.Getenv("SCP_MQTT_BROKER_URL"); brokerURL != "" {
		connExec, err := executor.NewConnectorExecutor(brokerURL, "scp-"+os.Getenv("SCP_NODE_ID"))
		if err != nil {
			logger.Warn("connector executor unavailable, skipping", map[string]interface{}{"error": err.Error()})
		} else {
			execs.Register(ir.FormatConnector, connExec)
			*cleanups = append(*cleanups, connExec.Close)
		}
	}

	return execs
}

// registerDemoNativeFunctions wires the slack.post/email.send entries the
// static catalog advertises to in-process stand-ins, so a node started
// with no further configuration can still run a workflow referencing
// them end to end.
func registerDemoNativeFunctions(native *executor.NativeExecutor, logger logging.Logger) {
	native.Register("slack.post", func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error) {
		logger.Info("slack.post", map[string]interface{}{"message": inputs["message"]})
		return map[string]interface{}{"ok": true}, nil
	})
	native.Register("email.send", func(ctx context.Context, operands, inputs map[string]interface{}) (interface{}, error) {
		logger.Info("email.send", map[string]interface{}{"to": inputs["to"]})
		return map[string]interface{}{"messageId": "demo-message"}, nil
	})
}
