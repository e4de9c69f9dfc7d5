//go:build property

package credit

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: 0 <= ClampedCost(u, c, r) <= r and it equals u*c whenever that fits.
func TestClampedCostNeverExceedsCeiling(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("clamped cost stays within [0, ceiling]", prop.ForAll(
		func(units, unitCost, ceiling int64) bool {
			got, err := ClampedCost(units, unitCost, ceiling)
			if err != nil {
				return false
			}
			if got < 0 || got > ceiling {
				return false
			}
			if product, err := Multiply(units, unitCost); err == nil && product <= ceiling {
				return got == product
			}
			return got == ceiling
		},
		gen.Int64Range(0, 1<<40),
		gen.Int64Range(0, 1<<30),
		gen.Int64Range(0, 1<<20),
	))

	properties.TestingRun(t)
}
