package safety

import (
	"fmt"
	"sort"
	"strings"
)

// Stage is one of the five pipeline stages a code belongs to.
type Stage string

const (
	StageExtract   Stage = "Extract"
	StageTransform Stage = "Transform"
	StageEvaluate  Stage = "Evaluate"
	StageDecide    Stage = "Decide"
	StageAct       Stage = "Act"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageExtract, StageTransform, StageEvaluate, StageDecide, StageAct}

// Kind classifies a code.
type Kind string

const (
	KindFailSafe  Kind = "FAIL_SAFE"
	KindGuardrail Kind = "GUARDRAIL"
	KindAnomaly   Kind = "ANOMALY"
)

// Code is an immutable taxonomy entry.
type Code struct {
	Code        string
	Description string
	Stage       Stage
	Kind        Kind
}

const (
	FS001 = "FS001"
	FS010 = "FS010"
	FS020 = "FS020"
	FS030 = "FS030"
	FS040 = "FS040"
	FS041 = "FS041"
	FS042 = "FS042"
	FS050 = "FS050"
	FS070 = "FS070"

	GR030 = "GR030"
	GR040 = "GR040"
	GR050 = "GR050"

	GExeSymbolEmpty    = "G_EXE_SYMBOL_EMPTY"
	GExeQtyNonPositive = "G_EXE_QTY_NONPOSITIVE"
	GExeTradingOff     = "G_EXE_TRADING_DISABLED"
	GExeKillSwitchOn   = "G_EXE_KILLSWITCH_ON"
	GExeAnomaly        = "G_EXE_ANOMALY_PRESENT"

	AN001 = "AN001"
	AN002 = "AN002"
	AN010 = "AN010"
)

var failSafeCodes = []Code{
	{FS001, "schema version mismatch or schema unavailable", StageExtract, KindFailSafe},
	{FS010, "required market or account data missing", StageExtract, KindFailSafe},
	{FS020, "non-finite numeric input", StageTransform, KindFailSafe},
	{FS030, "strategy or risk evaluation failed", StageEvaluate, KindFailSafe},
	{FS040, "broker order failed or rejected", StageAct, KindFailSafe},
	{FS041, "broker authentication or session failure", StageAct, KindFailSafe},
	{FS042, "broker request timed out", StageAct, KindFailSafe},
	{FS050, "account equity is not positive", StageTransform, KindFailSafe},
	{FS070, "position ledger inconsistent with broker positions", StageTransform, KindFailSafe},
}

var guardrailCodes = []Code{
	{GR030, "risk gate did not approve any intent", StageDecide, KindGuardrail},
	{GR040, "order price inconsistent with market price", StageDecide, KindGuardrail},
	{GR050, "safety state forbids trading", StageDecide, KindGuardrail},
	{GExeSymbolEmpty, "execution blocked: symbol empty", StageAct, KindGuardrail},
	{GExeQtyNonPositive, "execution blocked: quantity not positive", StageAct, KindGuardrail},
	{GExeTradingOff, "execution blocked: trading disabled", StageAct, KindGuardrail},
	{GExeKillSwitchOn, "execution blocked: kill switch on", StageAct, KindGuardrail},
	{GExeAnomaly, "execution blocked: anomaly present", StageAct, KindGuardrail},
}

var anomalyCodes = []Code{
	{AN001, "market snapshot is stale", StageTransform, KindAnomaly},
	{AN002, "price moved beyond jump threshold", StageTransform, KindAnomaly},
	{AN010, "broker latency above budget", StageAct, KindAnomaly},
}

var (
	codeIndex  = buildIndex()
	stageIndex = buildStageIndex()
)

func buildIndex() map[string]Code {
	idx := make(map[string]Code)
	for _, table := range [][]Code{failSafeCodes, guardrailCodes, anomalyCodes} {
		for _, c := range table {
			if _, dup := idx[c.Code]; dup {
				panic("duplicate safety code " + c.Code)
			}
			idx[c.Code] = c
		}
	}
	return idx
}

func buildStageIndex() map[Stage][]Code {
	idx := make(map[Stage][]Code, len(Stages))
	for _, table := range [][]Code{failSafeCodes, guardrailCodes, anomalyCodes} {
		for _, c := range table {
			idx[c.Stage] = append(idx[c.Stage], c)
		}
	}
	return idx
}

// Lookup returns the taxonomy entry for code.
func Lookup(code string) (Code, bool) {
	c, ok := codeIndex[code]
	return c, ok
}

// FailSafeCodes returns a copy of the fail-safe table.
func FailSafeCodes() []Code { return append([]Code(nil), failSafeCodes...) }

// GuardrailCodes returns a copy of the guardrail table.
func GuardrailCodes() []Code { return append([]Code(nil), guardrailCodes...) }

// AnomalyCodes returns a copy of the anomaly table.
func AnomalyCodes() []Code { return append([]Code(nil), anomalyCodes...) }

// CodesByStage returns the codes owned by stage.
func CodesByStage(stage Stage) []Code {
	return append([]Code(nil), stageIndex[stage]...)
}

// ClassifyAdapterCode resolves a code emitted by a broker adapter. Codes outside
// the tables are treated as guardrails carrying the FS040 mapping.
func ClassifyAdapterCode(code string) Code {
	if c, ok := Lookup(code); ok {
		return c
	}
	fallback := codeIndex[FS040]
	fallback.Kind = KindGuardrail
	return fallback
}

// MessageFor renders "[code] description | k=v, ..." with sorted meta keys and
// nil values dropped.
func MessageFor(code string, meta map[string]any) string {
	desc := "unknown safety code"
	if c, ok := Lookup(code); ok {
		desc = c.Description
	}
	base := fmt.Sprintf("[%s] %s", code, desc)

	keys := make([]string, 0, len(meta))
	for k, v := range meta {
		if v == nil {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return base
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	return base + " | " + strings.Join(parts, ", ")
}
