package sandbox

import (
	"context"
	"math"

	"github.com/dop251/goja"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/indicator"
)

// objArg extracts the first argument of call as a string-keyed map, or an
// empty map if the argument is missing or not an object — unknown/missing
// fields all default through the Engine's own param coercion.
func objArg(call goja.FunctionCall) map[string]interface{} {
	if len(call.Arguments) == 0 {
		return nil
	}
	exported := call.Argument(0).Export()
	m, _ := exported.(map[string]interface{})
	return m
}

func strField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numField(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// numFieldOr returns def when key is absent, distinguishing "unset" from
// an explicit NaN/0 (used for BREAKOUT_*'s optional level).
func numFieldOr(m map[string]interface{}, key string, def float64) float64 {
	if m == nil {
		return def
	}
	if _, ok := m[key]; !ok {
		return def
	}
	return numField(m, key)
}

func bindIndicators(vm *goja.Runtime, eng *indicator.Engine) {
	vm.Set("EMA", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.EMA(indicator.MAParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Length: numField(m, "length")})
		return vm.ToValue(v)
	})
	vm.Set("SMA", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.SMA(indicator.MAParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Length: numField(m, "length")})
		return vm.ToValue(v)
	})
	vm.Set("WMA", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.WMA(indicator.MAParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Length: numField(m, "length")})
		return vm.ToValue(v)
	})
	vm.Set("RSI", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.RSI(indicator.RSIParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Period: numField(m, "period"), Smoothing: strField(m, "smoothing"),
		})
		return vm.ToValue(v)
	})
	vm.Set("ATR", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.ATR(indicator.ATRParams{Timeframe: strField(m, "tf"), Period: numField(m, "period")})
		return vm.ToValue(v)
	})
	vm.Set("MACD", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		r := eng.MACD(indicator.MACDParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Fast: numField(m, "fast"), Slow: numField(m, "slow"), Signal: numField(m, "signal"),
		})
		return vm.ToValue(map[string]interface{}{"macd": r.MACD, "signal": r.Signal, "histogram": r.Histogram})
	})
	vm.Set("BBANDS", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		r := eng.BBANDS(indicator.BBANDSParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Length: numField(m, "length"), Mult: numField(m, "mult"),
		})
		return vm.ToValue(map[string]interface{}{"upper": r.Upper, "middle": r.Middle, "lower": r.Lower})
	})
	vm.Set("VWAP", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.VWAP(indicator.VWAPParams{Timeframe: strField(m, "tf")})
		return vm.ToValue(v)
	})
	vm.Set("BREAKOUT_UP", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.BreakoutUp(indicator.BreakoutParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Lookback: numField(m, "lookback"), Level: numFieldOr(m, "level", math.NaN()),
		})
		return vm.ToValue(v)
	})
	vm.Set("BREAKOUT_DOWN", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.BreakoutDown(indicator.BreakoutParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Lookback: numField(m, "lookback"), Level: numFieldOr(m, "level", math.NaN()),
		})
		return vm.ToValue(v)
	})
	vm.Set("EMA_CROSS_UP", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.EMACrossUp(indicator.CrossParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Fast: numField(m, "fast"), Slow: numField(m, "slow")})
		return vm.ToValue(v)
	})
	vm.Set("EMA_CROSS_DOWN", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.EMACrossDown(indicator.CrossParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Fast: numField(m, "fast"), Slow: numField(m, "slow")})
		return vm.ToValue(v)
	})
	vm.Set("SMA_CROSS_UP", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.SMACrossUp(indicator.CrossParams{Timeframe: strField(m, "tf"), Source: strField(m, "source"), Fast: numField(m, "fast"), Slow: numField(m, "slow")})
		return vm.ToValue(v)
	})
	vm.Set("MACD_CROSS_UP", func(call goja.FunctionCall) goja.Value {
		m := objArg(call)
		v := eng.MACDCrossUp(indicator.CrossParams{
			Timeframe: strField(m, "tf"), Source: strField(m, "source"),
			Fast: numField(m, "fast"), Slow: numField(m, "slow"), Signal: numField(m, "signal"),
		})
		return vm.ToValue(v)
	})
}

// bindBroker injects the HP façade. Both object form ({usd}/{pct}) and the
// legacy positional form (a bare number, or (symbol, number) with symbol
// ignored since the host runs one symbol per invocation) are accepted, as
// a thin shim at this sandbox boundary.
func bindBroker(vm *goja.Runtime, h *broker.Handle, ctx context.Context) {
	hp := map[string]interface{}{
		"buy": func(call goja.FunctionCall) goja.Value {
			usd := positionalOrField(call, "usd")
			if err := h.Buy(ctx, usd); err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return goja.Undefined()
		},
		"sell": func(call goja.FunctionCall) goja.Value {
			pct := positionalOrField(call, "pct")
			if err := h.Sell(ctx, pct); err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return goja.Undefined()
		},
		"log": func(call goja.FunctionCall) goja.Value {
			level := "info"
			message := ""
			var meta map[string]interface{}
			if len(call.Arguments) > 0 {
				level = call.Argument(0).String()
			}
			if len(call.Arguments) > 1 {
				message = call.Argument(1).String()
			}
			if len(call.Arguments) > 2 {
				meta, _ = call.Argument(2).Export().(map[string]interface{})
			}
			_ = h.Log(ctx, logLevel(level), message, meta)
			return goja.Undefined()
		},
	}
	vm.Set("HP", hp)
}

// positionalOrField reads a single numeric amount from either an object
// argument's named field, a bare number argument, or a (symbol, number)
// pair — the call conventions HP.buy/HP.sell accept.
func positionalOrField(call goja.FunctionCall, field string) float64 {
	for _, arg := range call.Arguments {
		exported := arg.Export()
		switch v := exported.(type) {
		case map[string]interface{}:
			return numField(v, field)
		case float64:
			return v
		case int64:
			return float64(v)
		}
	}
	return math.NaN()
}

func logLevel(s string) database.LogLevel {
	switch s {
	case "warn", "error":
		return database.LogLevel(s)
	default:
		return database.LogLevelInfo
	}
}
