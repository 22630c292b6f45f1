// Package compiler implements the Compilation Pipeline: stages 1-8 that
// turn a raw workflow Program into type-checked, dependency-ordered,
// dispatch-resolved Resolved IR.
package compiler

import (
	"context"

	"github.com/kraklabs/scp/catalog"
	"github.com/kraklabs/scp/ir"
	"github.com/kraklabs/scp/logging"
)

// namedStage pairs a Stage with the name used in logs and CompilationIssue
// grouping.
type namedStage struct {
	name  string
	stage Stage
}

// Pipeline runs the compilation stages in order, stopping at the end of
// the first stage that reported any error-severity issue.
type Pipeline struct {
	stages  []namedStage
	catalog *catalog.Catalog
	logger  logging.Logger
}

// NewPipeline constructs the standard 8-stage pipeline, bound to cat for
// symbol resolution, verification, and service resolution.
func NewPipeline(cat *catalog.Catalog, logger logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Pipeline{
		catalog: cat,
		logger:  logger,
		stages: []namedStage{
			{"structural-validation", StageStructuralValidation},
			{"symbol-resolution", StageSymbolResolution},
			{"type-check", StageTypeCheck},
			{"constant-folding", StageConstantFolding},
			{"dependency-graph", StageDependencyGraph},
			{"parallel-group-inference", StageParallelGroupInference},
			{"service-resolution", StageServiceResolution},
			{"optimize", StageOptimize},
		},
	}
}

// Result is the outcome of a Compile call: the resolved IR (valid only
// when Issues carries no error) plus every issue from every stage that
// ran.
type Result struct {
	Resolved *ir.Resolved
	Issues   []CompilationIssue
}

// Compile runs every stage over p in order, batching a stage's issues and
// halting immediately after any stage that reports an error.
func (p *Pipeline) Compile(ctx context.Context, program *ir.Program) (*Result, error) {
	s := newState(program)

	if p.catalog != nil {
		doc, err := p.catalog.Build(ctx)
		if err != nil {
			return nil, err
		}
		s.Catalog = doc
		s.VerifyEntry = p.catalog.Verify
	}

	var all []CompilationIssue
	for _, ns := range p.stages {
		issues := ns.stage(s)
		all = append(all, issues...)

		if HasErrors(issues) {
			p.logger.Warn("compilation stage failed", map[string]interface{}{
				"stage":        ns.name,
				"workflow_id":  s.WorkflowID,
				"issue_count":  len(issues),
			})
			return &Result{Resolved: nil, Issues: all}, nil
		}
	}

	p.logger.Info("compilation succeeded", map[string]interface{}{
		"workflow_id":      s.WorkflowID,
		"instruction_count": len(s.Instructions),
	})
	return &Result{Resolved: s.toResolved(), Issues: all}, nil
}
