package lp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrIndicatorsUnsupported is returned by WriteLP when the target solver
// cannot read indicator constraints and the program still carries some.
var ErrIndicatorsUnsupported = errors.New("program has indicator constraints; linearize it first")

// LPOptions control WriteLP.
type LPOptions struct {
	// NativeIndicators writes indicator constraints with the "b = 1 -> row" syntax.
	NativeIndicators bool
}

const termsPerLine = 8

// ColumnName is the name WriteLP gives variable i. Solver output is mapped
// back to variable indices through ParseColumnName.
func ColumnName(i int) string { return "x" + strconv.Itoa(i) }

// ParseColumnName returns the variable index of a name written by WriteLP.
func ParseColumnName(name string) (int, bool) {
	if !strings.HasPrefix(name, "x") {
		return 0, false
	}
	i, err := strconv.Atoi(name[1:])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// RowName is the name WriteLP gives row i.
func RowName(i int) string { return "c" + strconv.Itoa(i) }

// WriteLP writes p in CPLEX LP format. Variables and rows are written under
// generated names (x0, x1, ... and c0, c1, ...) since program names use
// characters the format reserves; the original names appear as comments.
func (p *Program) WriteLP(w io.Writer, opts LPOptions) error {
	if len(p.indicators) > 0 && !opts.NativeIndicators {
		return ErrIndicatorsUnsupported
	}
	if len(p.vars) == 0 {
		return fmt.Errorf("program %q has no variables", p.name)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "\\ Problem: %s\n", p.name)
	for i, v := range p.vars {
		fmt.Fprintf(bw, "\\ %s %s\n", ColumnName(i), v.Name)
	}

	if p.objective.Sense == Maximize {
		bw.WriteString("Maximize\n")
	} else {
		bw.WriteString("Minimize\n")
	}
	bw.WriteString(" obj: ")
	writeTerms(bw, p.objective.Terms)
	bw.WriteString("\n")

	bw.WriteString("Subject To\n")
	for i, r := range p.rows {
		fmt.Fprintf(bw, " %s: ", RowName(i))
		writeRow(bw, r)
	}
	for i, ind := range p.indicators {
		fmt.Fprintf(bw, " %s: %s = %d -> ", RowName(len(p.rows)+i), ColumnName(ind.Binary), ind.Trigger)
		writeRow(bw, ind.Row)
	}

	bw.WriteString("Bounds\n")
	for i, v := range p.vars {
		name := ColumnName(i)
		switch {
		case v.Fixed():
			fmt.Fprintf(bw, " %s = %s\n", name, formatFloat(v.Lower))
		case v.Kind == Binary:
			// implied by the Binaries section
		case math.IsInf(v.Lower, -1) && math.IsInf(v.Upper, 1):
			fmt.Fprintf(bw, " %s free\n", name)
		case v.Lower == 0 && math.IsInf(v.Upper, 1):
			// LP default bounds
		default:
			fmt.Fprintf(bw, " %s <= %s <= %s\n", formatFloat(v.Lower), name, formatFloat(v.Upper))
		}
	}

	var binaries []string
	for i, v := range p.vars {
		if v.Kind == Binary {
			binaries = append(binaries, ColumnName(i))
		}
	}
	if len(binaries) > 0 {
		bw.WriteString("Binaries\n")
		for i := 0; i < len(binaries); i += termsPerLine {
			end := min(i+termsPerLine, len(binaries))
			fmt.Fprintf(bw, " %s\n", strings.Join(binaries[i:end], " "))
		}
	}
	bw.WriteString("End\n")
	return bw.Flush()
}

func writeRow(bw *bufio.Writer, r Row) {
	writeTerms(bw, r.Terms)
	fmt.Fprintf(bw, " %s %s\n", r.Rel, formatFloat(r.RHS))
}

func writeTerms(bw *bufio.Writer, terms []Term) {
	if len(terms) == 0 {
		bw.WriteString("0 " + ColumnName(0))
		return
	}
	for i, t := range terms {
		if i > 0 && i%termsPerLine == 0 {
			bw.WriteString("\n   ")
		}
		coef := t.Coef
		switch {
		case i == 0 && coef < 0:
			bw.WriteString("- ")
			coef = -coef
		case i > 0 && coef < 0:
			bw.WriteString(" - ")
			coef = -coef
		case i > 0:
			bw.WriteString(" + ")
		}
		bw.WriteString(formatFloat(coef))
		bw.WriteString(" ")
		bw.WriteString(ColumnName(t.Var))
	}
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
