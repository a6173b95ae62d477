// Package core provides the household data model and the error taxonomy shared
// by every stage of the tax solver.
//
// This package contains the domain types that the compiler, the constraint
// builders and the solution extractor read from:
//
//   - Household: one record of the population with its numeric attributes
//   - Store: an immutable, ordered collection of households
//   - Segment: metadata describing a derived bracket column
//   - ConfigurationError, DataError, InfeasibleError, SolverError
//
// Example usage:
//
//	store, err := core.NewStore(ctx, []core.Record{
//	    {ID: "h1", Attributes: map[string]float64{
//	        core.AttrIncomeBeforeTax: 40000,
//	        core.AttrIncomeAfterTax:  32000,
//	    }},
//	})
//	if err != nil {
//	    return err
//	}
//	for _, h := range store.Households() {
//	    log.Info("household", "id", h.ID(), "weight", h.Weight())
//	}
//
// A Store never changes after construction. Derived columns, such as the
// bracket segments produced by the brackets package, are attached with
// WithDerived, which returns a new Store.
//
// Missing optional columns (weight, mirror reference, current marginal rate)
// are not fatal: the store applies the documented default and records a
// warning that is logged and available through Warnings.
package core
