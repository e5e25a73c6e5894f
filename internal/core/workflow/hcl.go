package workflow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/artpar/hostd/internal/core/domain"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the top-level structure of a workflow file:
//
//	workflow "release" {
//	  node "deploy_api" {
//	    type    = "deploy"
//	    outputs = ["status"]
//	    config {
//	      deployment = "api"
//	      branch     = env.RELEASE_BRANCH
//	    }
//	  }
//	  connection {
//	    from = "deploy_api.status"
//	    to   = "check.value"
//	  }
//	}
type hclFile struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	Name        string           `hcl:"name,label"`
	Nodes       []*hclNode       `hcl:"node,block"`
	Connections []*hclConnection `hcl:"connection,block"`
}

type hclNode struct {
	ID         string     `hcl:"id,label"`
	Type       string     `hcl:"type"`
	Inputs     []string   `hcl:"inputs,optional"`
	Outputs    []string   `hcl:"outputs,optional"`
	OnFailure  string     `hcl:"on_failure,optional"`
	Retries    int        `hcl:"retries,optional"`
	RetryDelay int        `hcl:"retry_delay,optional"`
	Timeout    int        `hcl:"timeout,optional"`
	Config     *hclConfig `hcl:"config,block"`
}

type hclConfig struct {
	Body hcl.Body `hcl:",remain"`
}

type hclConnection struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// ParseHCL decodes every workflow block in src. Expressions may reference
// env.<NAME> for each entry of env. Definitions are returned without IDs;
// callers assign them when storing.
func ParseHCL(filename string, src []byte, env map[string]string) ([]domain.WorkflowDefinition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	evalCtx := newEvalContext(env)

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	defs := make([]domain.WorkflowDefinition, 0, len(parsed.Workflows))
	for _, w := range parsed.Workflows {
		def, err := toDefinition(w, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("workflow %q in %s: %w", w.Name, filename, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func newEvalContext(env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	envVal := cty.EmptyObjectVal
	if len(vars) > 0 {
		envVal = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
	}
}

func toDefinition(w *hclWorkflow, evalCtx *hcl.EvalContext) (domain.WorkflowDefinition, error) {
	def := domain.WorkflowDefinition{Name: w.Name}

	for _, n := range w.Nodes {
		node := domain.WorkflowNode{
			ID:                n.ID,
			Type:              n.Type,
			Inputs:            n.Inputs,
			Outputs:           n.Outputs,
			OnFailure:         domain.FailurePolicy(n.OnFailure),
			Retries:           n.Retries,
			RetryDelaySeconds: n.RetryDelay,
			TimeoutSeconds:    n.Timeout,
		}
		if n.Config != nil {
			cfg, err := decodeConfig(n.Config.Body, evalCtx)
			if err != nil {
				return def, fmt.Errorf("node %s config: %w", n.ID, err)
			}
			node.Config = cfg
		}
		def.Nodes = append(def.Nodes, node)
	}

	for _, c := range w.Connections {
		fromNode, fromPort, err := splitPortRef(c.From)
		if err != nil {
			return def, err
		}
		toNode, toPort, err := splitPortRef(c.To)
		if err != nil {
			return def, err
		}
		def.Connections = append(def.Connections, domain.Connection{
			FromNode: fromNode, FromPort: fromPort,
			ToNode: toNode, ToPort: toPort,
		})
	}
	return def, nil
}

func decodeConfig(body hcl.Body, evalCtx *hcl.EvalContext) (map[string]any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	cfg := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, diags
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		cfg[name] = goVal
	}
	return cfg, nil
}

// splitPortRef splits "node.port".
func splitPortRef(ref string) (string, string, error) {
	node, port, ok := strings.Cut(ref, ".")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("invalid port reference %q, want node.port", ref)
	}
	return node, port, nil
}

// ctyToGo converts a known cty value into plain Go values: string, bool,
// int, float64, []any and map[string]any.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsListType() || t.IsSetType() || t.IsTupleType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
}
