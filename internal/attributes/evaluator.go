package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/socket-tracer/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	logger        *zap.Logger
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions for efficiency.
func NewEvaluator(customAttrs []config.CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(typeEnv()))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		logger:        logger.Named("attributes"),
	}, nil
}

// Len returns the number of configured attributes. A nil Evaluator has none.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.customAttrs)
}

// EvaluateCustomAttributes evaluates every expression against env. An
// expression that fails is skipped; the others still produce attributes.
func (e *Evaluator) EvaluateCustomAttributes(env map[string]any) ([]attribute.KeyValue, error) {
	if e.Len() == 0 || env == nil {
		return nil, nil
	}

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Debug("attribute expression failed", zap.String("attribute", customAttr.Name), zap.Error(err))
			continue
		}
		if output == nil {
			continue
		}

		// Maps expand into one attribute per key.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() != reflect.Map {
			attrs = append(attrs, attribute.String(customAttr.Name, fmt.Sprint(output)))
			continue
		}
		for _, key := range outputValue.MapKeys() {
			attrName := customAttr.Name + "." + sanitizeAttributeName(fmt.Sprintf("%v", key.Interface()))
			attrs = append(attrs, attribute.String(attrName, fmt.Sprintf("%v", outputValue.MapIndex(key).Interface())))
		}
	}

	return attrs, nil
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
