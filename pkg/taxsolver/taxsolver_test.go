package taxsolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/utils/ptr"

	"github.com/taxsolver/taxsolver/internal/metrics"
	"github.com/taxsolver/taxsolver/pkg/config"
	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/core"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/objective"
	"github.com/taxsolver/taxsolver/pkg/rules"
	"github.com/taxsolver/taxsolver/pkg/solution"
	"github.com/taxsolver/taxsolver/pkg/solver"
)

var (
	points       = []float64{0, 25000, 50000, 75000, 100000, 125000, 150000}
	currentRates = []float64{0.125, 0.25, 0.3125, 0.375, 0.4375, 0.5}
)

const (
	currentBenefit = 1000.0
	profiles       = 120
)

// currentTax applies currentRates to the bracket segments of income.
func currentTax(income float64) float64 {
	var tax float64
	for s, rate := range currentRates {
		lower, upper := points[s], points[s+1]
		if s == len(points)-2 {
			upper = math.Inf(1)
		}
		tax += rate * math.Max(0, math.Min(income, upper)-lower)
	}
	return tax
}

// population returns n households with distinct incomes spread over 40
// levels and 0 to 2 children, taxed under the current system.
func population(n int) []core.Record {
	records := make([]core.Record, n)
	for i := range records {
		profile := i % profiles
		income := 5000*float64(profile%40+1) + float64(i)
		children := float64(profile / 40)
		records[i] = core.Record{
			ID: fmt.Sprintf("h%04d", i),
			Attributes: map[string]float64{
				core.AttrIncomeBeforeTax: income,
				core.AttrIncomeAfterTax:  income - currentTax(income) + currentBenefit*children,
				"children":               children,
			},
			Weight: ptr.To(float64(1 + i%3)),
		}
	}
	return records
}

// scriptedBackend fails with errs in turn, then delegates.
type scriptedBackend struct {
	errs  []error
	calls int
	next  solver.Backend
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Solve(ctx context.Context, session *solver.Session, prog *lp.Program) (*solver.Result, error) {
	b.calls++
	if b.calls <= len(b.errs) {
		return nil, b.errs[b.calls-1]
	}
	return b.next.Solve(ctx, session, prog)
}

// blockingBackend holds every run until release is closed.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	next    solver.Backend
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{started: make(chan struct{}), release: make(chan struct{}), next: gonumBackend()}
}

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) Solve(ctx context.Context, session *solver.Session, prog *lp.Program) (*solver.Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, &core.SolverError{Backend: b.Name(), Transient: true, Err: ctx.Err()}
	}
	return b.next.Solve(ctx, session, prog)
}

func testConfig() config.SolverConfig {
	cfg := config.Defaults()
	cfg.WorkDir = GinkgoT().TempDir()
	cfg.RetryInitialInterval = time.Millisecond
	return cfg
}

func gonumBackend() solver.Backend {
	backend, err := solver.NewBackend(solver.GonumBackend, testConfig().SolverOptions())
	Expect(err).NotTo(HaveOccurred())
	return backend
}

func newTaxSolver(records []core.Record, backend solver.Backend, opts ...Option) *TaxSolver {
	store, err := core.NewStore(context.Background(), records)
	Expect(err).NotTo(HaveOccurred())
	opts = append([]Option{WithLogger(testLogger), WithConfig(testConfig())}, opts...)
	ts, err := New(store, backend, opts...)
	Expect(err).NotTo(HaveOccurred())
	return ts
}

func reformRules() []rules.Spec {
	return []rules.Spec{
		rules.NewBracket("income_tax", core.AttrIncomeBeforeTax, points, 0, 1),
		rules.NewBenefit("child_benefit", "children", 5000),
	}
}

var _ = Describe("TaxSolver", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("with a revenue neutral bracket reform", func() {
		const tolerance = 1e-4
		var ts *TaxSolver

		BeforeEach(func() {
			ts = newTaxSolver(population(1000), gonumBackend())
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
			Expect(ts.AddConstraints(ctx,
				constraints.NewIncome(tolerance),
				constraints.NewBudget("budget", 0, 0),
			)).To(Succeed())
			Expect(ts.SetObjective(ctx, objective.NewBudget("budget", lp.Maximize))).To(Succeed())
			Expect(ts.State()).To(Equal(ObjectiveRegistered))
		})

		It("should find the optimal rates", func() {
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal(solution.Optimal))
			Expect(out.Err).NotTo(HaveOccurred())
			Expect(out.Attempts).To(Equal(1))
			Expect(out.SessionID).NotTo(BeEmpty())
			Expect(ts.State()).To(Equal(Solved))
			Expect(ts.Solution()).To(BeIdenticalTo(out.System))

			table := out.System.Rates
			Expect(table).To(HaveLen(7))
			for i, row := range table[:6] {
				Expect(row.RuleName).To(Equal("income_tax"))
				Expect(row.RuleType).To(Equal("Bracket"))
				Expect(row.Rate).To(BeNumerically("~", currentRates[i], 1e-3), row.VarName)
				if i > 0 {
					Expect(row.Rate).To(BeNumerically(">=", table[i-1].Rate), row.VarName)
				}
			}
			Expect(table[6].VarName).To(Equal("child_benefit"))
			Expect(table[6].Rate).To(BeNumerically("~", currentBenefit, 2))
		})

		It("should keep the budget neutral", func() {
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.System.TotalChange()).To(BeNumerically("~", 0, 1))
			Expect(out.Report.Budgets).To(HaveLen(1))
			Expect(out.Report.Budgets[0].Feasible).To(BeTrue())
		})

		It("should keep every household within the income tolerance", func() {
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.System.Households).To(HaveLen(1000))
			for _, h := range out.System.Households {
				limit := tolerance*math.Abs(h.Baseline) + 1e-3
				Expect(math.Abs(h.Change)).To(BeNumerically("<=", limit), h.ID)
			}
		})

		It("should return the same rates when solved twice", func() {
			first, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			second, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.Status).To(Equal(first.Status))
			Expect(second.SessionID).NotTo(Equal(first.SessionID))
			Expect(second.System.Rates).To(HaveLen(len(first.System.Rates)))
			for i, row := range second.System.Rates {
				Expect(row.VarName).To(Equal(first.System.Rates[i].VarName))
				Expect(row.Rate).To(BeNumerically("~", first.System.Rates[i].Rate, 1e-9))
			}
		})

		It("should invalidate the solution when constraints are added", func() {
			_, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ts.AddConstraints(ctx, constraints.NewMarginalPressure("pressure", 0.6))).To(Succeed())
			Expect(ts.State()).To(Equal(ConstraintsRegistered))
			Expect(ts.Solution()).To(BeNil())
		})
	})

	Context("when the income tolerance forbids any revenue change", func() {
		setup := func(opts ...Option) (*TaxSolver, *scriptedBackend) {
			backend := &scriptedBackend{next: gonumBackend()}
			ts := newTaxSolver(population(240), backend, opts...)
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
			Expect(ts.AddConstraints(ctx,
				constraints.NewIncome(0),
				constraints.NewBudget("revenue", 1e6, 1e6),
			)).To(Succeed())
			return ts, backend
		}

		It("should report the program infeasible", func() {
			ts, backend := setup()
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal(solution.Infeasible))
			Expect(core.IsInfeasible(out.Err)).To(BeTrue())
			Expect(out.System).To(BeNil())
			Expect(out.Report.Impossible()).To(BeTrue())
			Expect(backend.calls).To(Equal(1))
			Expect(ts.State()).To(Equal(Infeasible))
			Expect(ts.Solution()).To(BeNil())
		})

		It("should skip the backend when failing fast", func() {
			ts, backend := setup(WithFailFast(true))
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal(solution.Infeasible))
			Expect(out.Err.Error()).To(ContainSubstring(`budget "revenue"`))
			Expect(out.Attempts).To(BeZero())
			Expect(backend.calls).To(BeZero())
		})
	})

	Context("without an objective", func() {
		It("should return a feasible point", func() {
			ts := newTaxSolver(population(120), gonumBackend())
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
			Expect(ts.State()).To(Equal(RulesRegistered))
			Expect(ts.AddConstraints(ctx, constraints.NewIncome(1e-3))).To(Succeed())

			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal(solution.Feasible))
			Expect(out.System.Status).To(Equal(solution.Feasible))
			Expect(ts.State()).To(Equal(Solved))
		})
	})

	Context("with a sequential objective", func() {
		It("should optimize the lower priority over the optimum of the higher", func() {
			register := func(objectives ...objective.Spec) *Outcome {
				ts := newTaxSolver(population(120), gonumBackend())
				Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
				Expect(ts.AddConstraints(ctx,
					constraints.NewIncome(1e-3),
					constraints.NewBudget("budget", 0, 0),
				)).To(Succeed())
				Expect(ts.SetObjective(ctx, objectives...)).To(Succeed())
				out, err := ts.Solve(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(out.Status).To(Equal(solution.Optimal))
				return out
			}

			budget := objective.NewBudget("budget", lp.Maximize)
			budget.Priority = 2
			benefit := objective.NewVariables(lp.Maximize, "child_benefit")
			benefit.Priority = 1
			sequential := register(budget, benefit)
			direct := register(objective.NewVariables(lp.Maximize, "child_benefit"))

			Expect(sequential.System.Objective).To(BeNumerically("~", 0, 1))
			got, ok := sequential.System.Rate("child_benefit")
			Expect(ok).To(BeTrue())
			want, _ := direct.System.Rate("child_benefit")
			Expect(got).To(BeNumerically("~", want, 1e-3))
		})
	})

	Context("while solving", func() {
		It("should refuse registrations and a second solve", func() {
			backend := newBlockingBackend()
			ts := newTaxSolver(population(10), backend)
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())

			done := make(chan *Outcome, 1)
			go func() {
				defer GinkgoRecover()
				out, err := ts.Solve(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- out
			}()
			Eventually(backend.started).Should(BeClosed())
			Expect(ts.State()).To(Equal(Solving))

			Expect(ts.AddRules(ctx, rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1))).To(MatchError(core.ErrInvalidState))
			Expect(ts.AddConstraints(ctx, constraints.NewIncome(0.1))).To(MatchError(core.ErrInvalidState))
			Expect(ts.SetObjective(ctx, objective.NewVariables(lp.Minimize, "child_benefit"))).To(MatchError(core.ErrInvalidState))
			_, err := ts.Solve(ctx)
			Expect(err).To(MatchError(core.ErrInvalidState))

			close(backend.release)
			var out *Outcome
			Eventually(done).Should(Receive(&out))
			Expect(out.Status).To(Equal(solution.Feasible))
			Expect(ts.State()).To(Equal(Solved))
			Expect(ts.AddConstraints(ctx, constraints.NewIncome(0.1))).To(Succeed())
		})
	})

	Context("registration", func() {
		var (
			ts      *TaxSolver
			backend *scriptedBackend
		)

		BeforeEach(func() {
			backend = &scriptedBackend{next: gonumBackend()}
			ts = newTaxSolver(population(10), backend)
			Expect(ts.State()).To(Equal(Empty))
		})

		It("should refuse to solve without rules", func() {
			_, err := ts.Solve(ctx)
			Expect(core.IsConfigurationError(err)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrNoRules))
			Expect(backend.calls).To(BeZero())
			Expect(ts.State()).To(Equal(Empty))
		})

		It("should refuse to solve without households", func() {
			empty := newTaxSolver(nil, backend)
			Expect(empty.AddRules(ctx, rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1))).To(Succeed())
			_, err := empty.Solve(ctx)
			Expect(err).To(MatchError(core.ErrNoHouseholds))
			Expect(backend.calls).To(BeZero())
		})

		It("should require rules before constraints and objective", func() {
			err := ts.AddConstraints(ctx, constraints.NewIncome(0.1))
			Expect(core.IsConfigurationError(err)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrNoRules))

			err = ts.SetObjective(ctx, objective.NewComplexity())
			Expect(err).To(MatchError(core.ErrNoRules))
		})

		It("should reject invalid rules without registering any", func() {
			err := ts.AddRules(ctx,
				rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1),
				rules.NewFlat("inverted", core.AttrIncomeBeforeTax, 0.5, 0.2),
			)
			Expect(core.IsConfigurationError(err)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrInvalidBounds))
			Expect(err.Error()).To(ContainSubstring(`rule "inverted"`))
			Expect(ts.State()).To(Equal(Empty))

			err = ts.AddRules(ctx, rules.NewFlat("wealth", "wealth", 0, 1))
			Expect(err).To(MatchError(core.ErrUnknownAttribute))

			Expect(ts.AddRules(ctx, rules.NewFlat("flat", core.AttrIncomeBeforeTax, 0, 1))).To(Succeed())
			err = ts.AddRules(ctx, rules.NewFlat("flat", core.AttrIncomeAfterTax, 0, 1))
			Expect(err).To(MatchError(core.ErrDuplicateName))
		})

		It("should report partially carried attributes as data errors", func() {
			records := population(4)
			records[0].Attributes["disabled"] = 1
			partial := newTaxSolver(records, backend)
			err := partial.AddRules(ctx, rules.NewBenefit("disability", "disabled", 100))
			Expect(core.IsDataError(err)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrPartialAttribute))
		})

		It("should validate constraint and objective references", func() {
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())

			err := ts.AddConstraints(ctx, constraints.NewFixRate("vat", 0.2))
			Expect(err).To(MatchError(core.ErrUnknownReference))
			err = ts.AddConstraints(ctx, constraints.NewIncome(0.1, "nobody"))
			Expect(err).To(MatchError(core.ErrUnknownReference))
			Expect(ts.State()).To(Equal(RulesRegistered))

			Expect(ts.AddConstraints(ctx, constraints.NewBudget("budget", -1, 1))).To(Succeed())
			err = ts.AddConstraints(ctx, constraints.NewBudget("budget", 0, 0))
			Expect(err).To(MatchError(core.ErrDuplicateName))

			err = ts.SetObjective(ctx, objective.NewBudget("deficit", lp.Minimize))
			Expect(err).To(MatchError(core.ErrUnknownReference))
			err = ts.SetObjective(ctx, objective.NewVariables(lp.Minimize, "vat"))
			Expect(err).To(MatchError(core.ErrUnknownReference))
			err = ts.SetObjective(ctx,
				objective.NewBudget("budget", lp.Minimize),
				objective.NewVariables(lp.Maximize, "child_benefit"),
			)
			Expect(core.IsConfigurationError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("conflicts"))
			Expect(ts.State()).To(Equal(ConstraintsRegistered))

			Expect(ts.SetObjective(ctx, objective.NewVariables(lp.Minimize, "child_benefit"))).To(Succeed())
			Expect(ts.State()).To(Equal(ObjectiveRegistered))
		})

		It("should accept a single behavioral effects constraint", func() {
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
			Expect(ts.AddConstraints(ctx, constraints.NewBehavioralEffects(ptr.To(0.1)))).To(Succeed())
			err := ts.AddConstraints(ctx, constraints.NewBehavioralEffects(ptr.To(0.2)))
			Expect(core.IsConfigurationError(err)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrInvalidValue))
		})
	})

	Context("with a failing backend", func() {
		var (
			reg      *prometheus.Registry
			recorder *metrics.Recorder
		)

		BeforeEach(func() {
			reg = prometheus.NewRegistry()
			var err error
			recorder, err = metrics.NewRecorder(reg)
			Expect(err).NotTo(HaveOccurred())
		})

		solve := func(backend *scriptedBackend, opts ...Option) *Outcome {
			ts := newTaxSolver(population(120), backend, append(opts, WithRecorder(recorder))...)
			Expect(ts.AddRules(ctx, reformRules()...)).To(Succeed())
			Expect(ts.AddConstraints(ctx, constraints.NewIncome(1e-3))).To(Succeed())
			out, err := ts.Solve(ctx)
			Expect(err).NotTo(HaveOccurred())
			return out
		}

		transient := &core.SolverError{Backend: "scripted", Transient: true, Err: errors.New("no license available")}
		fatal := &core.SolverError{Backend: "scripted", Err: errors.New("malformed model")}

		It("should retry transient failures", func() {
			backend := &scriptedBackend{errs: []error{transient, transient}, next: gonumBackend()}
			out := solve(backend)
			Expect(out.Status).To(Equal(solution.Feasible))
			Expect(out.Attempts).To(Equal(3))
			Expect(backend.calls).To(Equal(3))

			Expect(testutil.GatherAndCount(reg, "taxsolver_solve_retries_total")).To(Equal(1))
			Expect(testutil.GatherAndCount(reg, "taxsolver_solves_total")).To(Equal(1))
		})

		It("should give up after the configured retries", func() {
			backend := &scriptedBackend{errs: []error{transient, transient, transient}, next: gonumBackend()}
			out := solve(backend, WithMaxRetries(1))
			Expect(out.Status).To(Equal(solution.SolverFailed))
			Expect(core.IsTransient(out.Err)).To(BeTrue())
			Expect(out.Attempts).To(Equal(2))
		})

		It("should not retry fatal failures", func() {
			backend := &scriptedBackend{errs: []error{fatal}, next: gonumBackend()}
			out := solve(backend)
			Expect(out.Status).To(Equal(solution.SolverFailed))
			Expect(out.Err).To(MatchError(fatal))
			Expect(out.Attempts).To(Equal(1))
			Expect(backend.calls).To(Equal(1))
		})
	})
})
