package safety

// Result is what a stage check returns. A blocked result halts the cycle.
type Result struct {
	Blocked bool
	Code    string
	Message string
	Stage   Stage
	Kind    Kind
	Meta    map[string]any
}

// Pass is the zero, non-blocking result.
func Pass() Result { return Result{} }

// Block builds a blocking result for code. Stage and kind come from the taxonomy.
func Block(code string, meta map[string]any) Result {
	r := Result{Blocked: true, Code: code, Message: MessageFor(code, meta), Meta: meta}
	if c, ok := Lookup(code); ok {
		r.Stage = c.Stage
		r.Kind = c.Kind
	} else {
		r.Kind = KindGuardrail
	}
	return r
}

// Observe builds a non-blocking result, used for anomalies.
func Observe(code string, meta map[string]any) Result {
	r := Block(code, meta)
	r.Blocked = false
	return r
}

// ExecutionCheck carries the inputs of the Act-stage execution guard.
type ExecutionCheck struct {
	Symbol         string
	Qty            float64
	TradingEnabled bool
	KillSwitch     bool
	AnomalyPresent bool
	BlockOnAnomaly bool
}

// CheckExecution runs the G_EXE_* guardrails in a fixed order.
func CheckExecution(c ExecutionCheck) Result {
	switch {
	case c.Symbol == "":
		return Block(GExeSymbolEmpty, nil)
	case c.Qty <= 0:
		return Block(GExeQtyNonPositive, map[string]any{"qty": c.Qty})
	case !c.TradingEnabled:
		return Block(GExeTradingOff, nil)
	case c.KillSwitch:
		return Block(GExeKillSwitchOn, nil)
	case c.AnomalyPresent && c.BlockOnAnomaly:
		return Block(GExeAnomaly, nil)
	}
	return Pass()
}
