package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

type customProfile struct {
	amounts  stats.Welford
	devices  map[string]struct{}
	merchant map[string]struct{}
}

// CustomDetector evaluates an operator-supplied CEL expression over a
// per-transaction feature map. The expression is compiled and
// type-checked at Configure time; scoring only evaluates. Expressions
// may return bool (0 or 1), int, or double; numeric results are
// clamped to [0,1].
type CustomDetector struct {
	base
	env      *cel.Env
	profiles *profileStore[customProfile]

	progMu     sync.RWMutex
	program    cel.Program
	expression string
}

func NewCustomDetector() (*CustomDetector, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("user_tx_count", cel.IntType),
		cel.Variable("user_avg_amount", cel.DoubleType),
		cel.Variable("amount_deviation", cel.DoubleType),
		cel.Variable("new_device", cel.BoolType),
		cel.Variable("new_merchant", cel.BoolType),
		cel.Variable("country", cel.StringType),
		cel.Variable("has_location", cel.BoolType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("custom: create CEL environment: %w", err)
	}
	return &CustomDetector{
		base: newBase(domain.DetectorCustom, 0.5),
		env:  env,
		profiles: newProfileStore(func() *customProfile {
			return &customProfile{
				devices:  make(map[string]struct{}),
				merchant: make(map[string]struct{}),
			}
		}),
	}, nil
}

func (d *CustomDetector) Score(ctx context.Context, tx *domain.Transaction, rule *domain.DetectionRule) (float64, error) {
	if !d.Enabled() {
		return 0, nil
	}

	d.progMu.RLock()
	program := d.program
	d.progMu.RUnlock()
	if program == nil {
		return 0, nil
	}

	activation := map[string]any{
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"hour":           tx.Timestamp.Hour(),
		"day_of_week":    int(tx.Timestamp.Weekday()),
		"is_weekend":     tx.Timestamp.Weekday() == time.Saturday || tx.Timestamp.Weekday() == time.Sunday,
		"payment_method": tx.PaymentMethod,
		"has_location":   tx.Location != nil,
		"meta":           tx.Metadata,
	}
	if tx.Location != nil {
		activation["country"] = tx.Location.Country
	} else {
		activation["country"] = ""
	}

	d.profiles.visit(tx.UserID, tx.Timestamp, func(p *customProfile) {
		activation["user_tx_count"] = p.amounts.N
		activation["user_avg_amount"] = p.amounts.Mean
		activation["amount_deviation"] = p.amounts.ZScore(tx.Amount)
		_, knownDevice := p.devices[tx.DeviceID]
		activation["new_device"] = tx.DeviceID != "" && !knownDevice
		_, knownMerchant := p.merchant[tx.MerchantID]
		activation["new_merchant"] = tx.MerchantID != "" && !knownMerchant

		p.amounts.Add(tx.Amount)
		if tx.DeviceID != "" {
			p.devices[tx.DeviceID] = struct{}{}
		}
		if tx.MerchantID != "" {
			p.merchant[tx.MerchantID] = struct{}{}
		}
	})

	out, _, err := program.Eval(activation)
	if err != nil {
		return 0, fmt.Errorf("custom: evaluate expression: %w", err)
	}
	return clamp(celScore(out)), nil
}

// celScore converts a CEL result to a numeric score.
func celScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

func (d *CustomDetector) Configure(params domain.Params) error {
	for key := range params {
		switch key {
		case "expression":
		default:
			return unknownKey(domain.DetectorCustom, key)
		}
	}
	expr, ok := params.String("expression")
	if !ok {
		return fmt.Errorf("custom: expression parameter is required")
	}

	ast, issues := d.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("custom: compile expression: %w", issues.Err())
	}
	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return fmt.Errorf("custom: expression must return bool, int, or double, got %s", outputType)
	}
	program, err := d.env.Program(ast)
	if err != nil {
		return fmt.Errorf("custom: build program: %w", err)
	}

	d.progMu.Lock()
	d.program = program
	d.expression = expr
	d.progMu.Unlock()
	return nil
}

func (d *CustomDetector) Reset() error {
	d.profiles.reset()
	return nil
}

func (d *CustomDetector) Sweep(cutoff time.Time) int {
	return d.profiles.sweep(cutoff)
}

func (d *CustomDetector) Stats() map[string]any {
	s := d.baseStats()
	s["profiles"] = d.profiles.len()
	d.progMu.RLock()
	s["expression"] = d.expression
	d.progMu.RUnlock()
	return s
}
