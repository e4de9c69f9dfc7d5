package credit

import "math"

// Multiply returns units*unitCost, failing on negative inputs or overflow.
func Multiply(units, unitCost int64) (int64, error) {
	if units < 0 || unitCost < 0 {
		return 0, ErrInvalidArgument
	}
	if units != 0 && unitCost > math.MaxInt64/units {
		return 0, ErrInvalidArgument
	}
	return units * unitCost, nil
}

// ClampedCost returns min(units*unitCost, ceiling) without overflowing.
func ClampedCost(units, unitCost, ceiling int64) (int64, error) {
	if units < 0 || unitCost < 0 {
		return 0, ErrInvalidArgument
	}
	if units == 0 || unitCost == 0 {
		return 0, nil
	}
	if units > ceiling/unitCost {
		return ceiling, nil
	}
	cost := units * unitCost
	if cost > ceiling {
		return ceiling, nil
	}
	return cost, nil
}
