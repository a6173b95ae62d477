package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/taxsolver/taxsolver/internal/logging"
	"github.com/taxsolver/taxsolver/pkg/brackets"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
)

// NoActivation marks a rate without a binary activation variable.
const NoActivation = -1

// Variable is one compiled decision variable: a rate, optionally paired with a
// binary activation.
type Variable struct {
	// Rule is the index of the originating spec in registration order.
	Rule int
	// Name is the deterministic variable name.
	Name string
	// Rate is the program index of the rate variable.
	Rate int
	// Activation is the program index of the binary, or NoActivation.
	Activation int
	// Attribute is the household column the rate multiplies.
	Attribute string
	// Grouped reports whether the variable applies to one group value only.
	Grouped    bool
	GroupValue float64
	// Segment is set for Bracket variables.
	Segment *core.Segment
}

// Rule is a compiled spec with its variables.
type Rule struct {
	Spec      Spec
	Variables []int // indices into Compiled.Variables
}

// Compiled is the output of the compiler: the variables it created and, per
// household (indexed like the store), the linear contribution of all rules to
// its net income and to its marginal rate.
type Compiled struct {
	Store         *core.Store
	Rules         []Rule
	Variables     []Variable
	Contributions []lp.Expr
	MarginalRates []lp.Expr
	// Responses holds the change of gross income of each household caused
	// by the change of its marginal rate. Nil until SetResponses.
	Responses []lp.Expr

	byName map[string]int
}

// NewIncome returns the expression of household i's net income under the
// reform: its gross income plus every rule contribution, plus its response
// net of tax at the current marginal rate.
func (c *Compiled) NewIncome(i int) lp.Expr {
	h := c.Store.At(i)
	e := c.Contributions[i].Clone()
	e.AddConstant(h.IncomeBeforeTax())
	if c.Responses != nil {
		e.AddExpr(c.Responses[i], 1-h.MarginalRateCurrent())
	}
	return e
}

// Cost returns what household i costs the treasury under the reform: its
// change of net income at unchanged gross income, less the tax raised on its
// response.
func (c *Compiled) Cost(i int) lp.Expr {
	e := c.NewIncome(i)
	e.AddConstant(-c.Store.At(i).IncomeAfterTax())
	if c.Responses != nil {
		e.AddExpr(c.Responses[i], -1)
	}
	return e
}

// SetResponses models a linear labour supply response. Household i's gross
// income changes by elasticities[i] * income * (current marginal rate - new
// marginal rate), and the change is taxed at the current marginal rate.
func (c *Compiled) SetResponses(elasticities []float64) {
	c.Responses = make([]lp.Expr, len(c.Contributions))
	for i, h := range c.Store.Households() {
		if elasticities[i] == 0 {
			continue
		}
		scale := elasticities[i] * h.IncomeBeforeTax()
		c.Responses[i].AddConstant(scale * h.MarginalRateCurrent())
		c.Responses[i].AddExpr(c.MarginalRates[i], -scale)
	}
}

// Responds reports whether household i has a response.
func (c *Compiled) Responds(i int) bool {
	return c.Responses != nil && (c.Responses[i].Len() > 0 || c.Responses[i].Constant != 0)
}

// Variable looks a compiled variable up by name.
func (c *Compiled) Variable(name string) (Variable, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Variable{}, false
	}
	return c.Variables[i], true
}

// Activations returns every compiled variable that carries a binary.
func (c *Compiled) Activations() []Variable {
	var out []Variable
	for _, v := range c.Variables {
		if v.Activation != NoActivation {
			out = append(out, v)
		}
	}
	return out
}

// Compiler turns rule specs into program variables.
type Compiler struct {
	pre *brackets.Preprocessor
}

// NewCompiler returns a Compiler.
func NewCompiler() *Compiler {
	return &Compiler{pre: brackets.NewPreprocessor()}
}

// Validate checks spec against the household data. An unknown attribute or
// group is a ConfigurationError naming the rule; an attribute carried by only
// part of the store is a DataError.
func (c *Compiler) Validate(store *core.Store, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Type == Bracket {
		return ruleError(spec, c.pre.Validate(store, c.bracketRequest(spec)))
	}
	for _, attr := range []string{spec.AmountAttribute(), spec.GroupBy, spec.ScaleBy, spec.ScalerAttribute()} {
		if attr == "" {
			continue
		}
		if err := store.CheckAttribute(attr); err != nil {
			return ruleError(spec, err)
		}
	}
	return nil
}

// Prepare returns a store carrying the bracket columns every Bracket spec needs.
func (c *Compiler) Prepare(ctx context.Context, store *core.Store, specs []Spec) (*core.Store, error) {
	var err error
	for _, spec := range specs {
		if spec.Type != Bracket {
			continue
		}
		store, err = c.pre.Split(ctx, store, c.bracketRequest(spec))
		if err != nil {
			return nil, ruleError(spec, err)
		}
	}
	return store, nil
}

// ruleError attributes err to spec. Data errors pass through unchanged.
func ruleError(spec Spec, err error) error {
	if err == nil || core.IsDataError(err) {
		return err
	}
	var cfg *core.ConfigurationError
	if errors.As(err, &cfg) {
		err = cfg.Err
	}
	return core.NewConfigurationError(spec.Subject(), err)
}

func (c *Compiler) bracketRequest(spec Spec) brackets.Request {
	req := brackets.Request{Source: spec.Attribute, Points: spec.InflectionPoints}
	if spec.GroupBy != "" {
		req.GroupBy = []string{spec.GroupBy}
	}
	return req
}

// Compile adds the variables of specs to prog in registration order. Bracket
// splits missing from store are built on the fly.
func (c *Compiler) Compile(ctx context.Context, store *core.Store, prog *lp.Program, specs []Spec) (*Compiled, error) {
	logger := logr.FromContextOrDiscard(ctx)

	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return nil, core.NewConfigurationError(spec.Subject(), core.ErrDuplicateName)
		}
		seen[spec.Name] = struct{}{}
		if err := c.Validate(store, spec); err != nil {
			return nil, err
		}
	}
	store, err := c.Prepare(ctx, store, specs)
	if err != nil {
		return nil, err
	}

	out := &Compiled{
		Store:         store,
		Contributions: make([]lp.Expr, store.Len()),
		MarginalRates: make([]lp.Expr, store.Len()),
		byName:        make(map[string]int),
	}
	for r, spec := range specs {
		out.Rules = append(out.Rules, Rule{Spec: spec})
		switch spec.Type {
		case Flat, Benefit, PreTaxBenefit, ExistingBenefit:
			err = c.compileLinear(prog, out, r)
		case Bracket:
			err = c.compileBracket(prog, out, r)
		}
		if err != nil {
			return nil, core.NewConfigurationError(spec.Subject(), err)
		}
		logger.V(logging.DEBUG).Info("Compiled rule",
			"rule", spec.Name, "type", spec.Type.String(), "variables", len(out.Rules[r].Variables))
	}
	logger.V(logging.DEBUG).Info("Compiled rules", "rules", len(specs), "variables", len(out.Variables), "households", store.Len())
	return out, nil
}

func (c *Compiler) addVariable(prog *lp.Program, out *Compiled, v Variable, lower, upper float64) (int, error) {
	rate, err := prog.AddVariable(lp.Variable{Name: v.Name, Lower: lower, Upper: upper, Kind: lp.Continuous})
	if err != nil {
		return 0, err
	}
	v.Rate = rate
	v.Activation = NoActivation
	idx := len(out.Variables)
	out.Variables = append(out.Variables, v)
	out.byName[v.Name] = idx
	out.Rules[v.Rule].Variables = append(out.Rules[v.Rule].Variables, idx)
	return idx, nil
}

func (c *Compiler) addActivation(prog *lp.Program, out *Compiled, idx int, lower, upper float64) error {
	v := &out.Variables[idx]
	b, err := prog.AddVariable(lp.Variable{Name: "b:" + v.Name, Lower: lower, Upper: upper, Kind: lp.Binary})
	if err != nil {
		return err
	}
	v.Activation = b
	return nil
}

// compileLinear handles every rule with one rate per group value.
func (c *Compiler) compileLinear(prog *lp.Program, out *Compiled, r int) error {
	spec := out.Rules[r].Spec
	store := out.Store

	groups := []float64{0}
	if spec.GroupBy != "" {
		groups = store.GroupValues(spec.GroupBy)
	}
	scaler := spec.ScalerAttribute()

	for _, gv := range groups {
		v := Variable{Rule: r, Name: spec.Name, Attribute: spec.AmountAttribute()}
		if spec.GroupBy != "" {
			v.Name = fmt.Sprintf("%s[%s=%s]", spec.Name, spec.GroupBy, brackets.FormatValue(gv))
			v.Grouped, v.GroupValue = true, gv
		}
		idx, err := c.addVariable(prog, out, v, spec.Lower, spec.Upper)
		if err != nil {
			return err
		}
		rate := out.Variables[idx].Rate
		if spec.Switchable {
			if err := c.addActivation(prog, out, idx, 0, 1); err != nil {
				return err
			}
			b := out.Variables[idx].Activation
			if err := prog.AddIndicator("off:"+v.Name, b, 0, lp.NewExpr(rate, 1), lp.EQ, 0); err != nil {
				return err
			}
		}

		for i, h := range store.Households() {
			amount := out.Amount(out.Variables[idx], h)
			if amount == 0 {
				continue
			}
			out.Contributions[i].Add(rate, amount)
			switch {
			case spec.Type == Flat && spec.MarginalPressure:
				out.MarginalRates[i].Add(rate, 1)
			case scaler != "":
				out.MarginalRates[i].Add(rate, h.Value(scaler))
			}
		}
	}
	return nil
}

func (c *Compiler) compileBracket(prog *lp.Program, out *Compiled, r int) error {
	spec := out.Rules[r].Spec
	store := out.Store

	split, ok := store.Split(spec.Attribute, spec.GroupBy)
	if !ok {
		return fmt.Errorf("no bracket split of %q by %q", spec.Attribute, spec.GroupBy)
	}

	for _, gv := range split.GroupValues() {
		segments := split.SegmentsFor(gv)[1:]
		var activations lp.Expr
		prevRate := -1
		for s := range segments {
			seg := segments[s]
			v := Variable{Rule: r, Name: bracketName(spec, seg), Attribute: seg.Attribute, Segment: &seg}
			if spec.GroupBy != "" {
				v.Grouped, v.GroupValue = true, gv
			}

			lower, upper := spec.Lower, spec.Upper
			if spec.LastBracketZero && s == len(segments)-1 {
				lower, upper = 0, 0
			}
			idx, err := c.addVariable(prog, out, v, lower, upper)
			if err != nil {
				return err
			}
			rate := out.Variables[idx].Rate

			// an inactive segment inherits the previous rate
			bLower, bUpper := 0.0, 1.0
			if spec.MaxBrackets == 0 {
				if seg.Households > 0 {
					bLower = 1
				} else {
					bUpper = 0
				}
			}
			if err := c.addActivation(prog, out, idx, bLower, bUpper); err != nil {
				return err
			}
			b := out.Variables[idx].Activation
			activations.Add(b, 1)

			tie := lp.NewExpr(rate, 1)
			if prevRate >= 0 {
				tie.Add(prevRate, -1)
			}
			if err := prog.AddIndicator("tie:"+v.Name, b, 0, tie, lp.EQ, 0); err != nil {
				return err
			}
			if spec.Ascending && prevRate >= 0 {
				if err := prog.AddRow("asc:"+v.Name, tie, lp.GE, 0); err != nil {
					return err
				}
			}
			prevRate = rate

			for i, h := range store.Households() {
				if amount := h.Value(seg.Attribute); amount != 0 {
					out.Contributions[i].Add(rate, -amount)
				}
			}
		}
		if spec.MaxBrackets > 0 && spec.MaxBrackets < len(segments) {
			name := spec.Name + ":max_brackets"
			if spec.GroupBy != "" {
				name += fmt.Sprintf("[%s=%s]", spec.GroupBy, brackets.FormatValue(gv))
			}
			if err := prog.AddRow(name, activations, lp.LE, float64(spec.MaxBrackets)); err != nil {
				return err
			}
		}
	}

	for i, h := range store.Households() {
		if seg, ok := brackets.MarginalSegment(split, h); ok {
			v, _ := out.Variable(bracketName(spec, seg))
			out.MarginalRates[i].Add(v.Rate, 1)
		}
	}
	return nil
}

func bracketName(spec Spec, seg core.Segment) string {
	name := spec.Name
	if spec.GroupBy != "" {
		name += fmt.Sprintf("[%s=%s]", spec.GroupBy, brackets.FormatValue(seg.GroupValue))
	}
	return name + "[" + brackets.FormatValue(seg.Lower) + ":" + brackets.FormatValue(seg.Upper) + "]"
}

// Amount returns how much household h feeds into variable v's rate,
// signed as a contribution to its net income.
func (c *Compiled) Amount(v Variable, h *core.Household) float64 {
	spec := c.Rules[v.Rule].Spec
	if v.Grouped && spec.Type != Bracket && h.Value(spec.GroupBy) != v.GroupValue {
		return 0
	}
	return contribution(spec, v.Attribute, h)
}

// contribution is the coefficient of a rate of spec on attribute in the net
// income of h. A pre-tax benefit is taxed at the household's current
// marginal rate.
func contribution(spec Spec, attribute string, h *core.Household) float64 {
	amount := h.Value(attribute)
	if spec.ScaleBy != "" && spec.Type != Bracket {
		amount *= h.Value(spec.ScaleBy)
	}
	switch spec.Type {
	case Benefit, ExistingBenefit:
		return amount
	case PreTaxBenefit:
		return amount * (1 - h.MarginalRateCurrent())
	default:
		return -amount
	}
}
