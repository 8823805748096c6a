package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type Name string

const (
	GetCryptoPrice      Name = "get_crypto_price"
	GetForexPrice       Name = "get_forex_price"
	AnalyzeImage        Name = "analyze_image"
	GetMarketSentiment  Name = "get_market_sentiment"
	GetEconomicCalendar Name = "get_economic_calendar"
)

// Result is the envelope serialized back to the assistant run as a tool
// output. It is returned for failures too so the assistant can react.
type Result struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Data      any      `json:"data,omitempty"`
	Available []string `json:"available_functions,omitempty"`
}

// JSON renders the envelope. Marshal failures fall back to an error
// envelope so a tool output is always produced.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, "unserializable result: "+err.Error())
	}
	return string(b)
}

// Definition is the schema the assistant sees for one function.
type Definition struct {
	Name        Name
	Description string
	Parameters  map[string]any
}

// argError is raised by argument validation before any outbound call.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

func missingArgument(name string) error {
	return &argError{msg: "missing required argument: " + name}
}

func unsupportedSymbol(symbol string) error {
	return &argError{msg: "unsupported symbol: " + symbol}
}

type function interface {
	definition() Definition
	call(ctx context.Context, raw json.RawMessage) (any, error)
}

// typed binds a function name to its argument type, validator and body.
type typed[A any] struct {
	def      Definition
	validate func(*A) error
	run      func(context.Context, A) (any, error)
}

func (f typed[A]) definition() Definition { return f.def }

func (f typed[A]) call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args A
	if len(raw) > 0 && strings.TrimSpace(string(raw)) != "" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, &argError{msg: "invalid arguments: " + err.Error()}
		}
	}
	if f.validate != nil {
		if err := f.validate(&args); err != nil {
			return nil, err
		}
	}
	return f.run(ctx, args)
}

// Dispatcher is the closed registry of functions the assistant may call.
type Dispatcher struct {
	registry map[Name]function
	logger   *zap.Logger
}

func NewDispatcher(feed PriceFeed, analyzer ImageAnalyzer, calendar *Calendar, logger *zap.Logger) *Dispatcher {
	m := &market{feed: feed}
	fns := []function{
		cryptoPriceFunction(m),
		forexPriceFunction(m),
		analyzeImageFunction(analyzer),
		sentimentFunction(m),
		calendarFunction(calendar),
	}

	registry := make(map[Name]function, len(fns))
	for _, fn := range fns {
		registry[fn.definition().Name] = fn
	}

	return &Dispatcher{registry: registry, logger: logger}
}

// Names lists the registered function names in a stable order.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.registry))
	for name := range d.registry {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Definitions() []Definition {
	defs := make([]Definition, 0, len(d.registry))
	for _, name := range d.Names() {
		defs = append(defs, d.registry[Name(name)].definition())
	}
	return defs
}

// Invoke runs the named function with JSON arguments. It never returns an
// error; failures are reported inside the Result.
func (d *Dispatcher) Invoke(ctx context.Context, name string, rawArgs string) Result {
	log := d.logger.With(zap.String("function", name))

	fn, ok := d.registry[Name(name)]
	if !ok {
		log.Warn("Unknown function requested")
		return Result{
			Success:   false,
			Error:     "unknown function: " + name,
			Available: d.Names(),
		}
	}

	log.Info("Executing function", zap.String("arguments", rawArgs))

	data, err := fn.call(ctx, json.RawMessage(rawArgs))
	if err != nil {
		var ae *argError
		if errors.As(err, &ae) {
			log.Info("Function rejected arguments", zap.String("reason", ae.msg))
			return Result{Success: false, Error: ae.msg}
		}
		log.Error("Function failed", zap.Error(err))
		return Result{Success: false, Error: "upstream failure: " + err.Error()}
	}

	return Result{Success: true, Data: data}
}
