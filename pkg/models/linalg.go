package models

import (
	"errors"
	"math"
)

// jitter keeps the normal equations positive definite when unpenalized
// columns are nearly collinear.
const jitter = 1e-9

var errSingular = errors.New("singular system")

// ridge solves (XᵀX + diag(penalty))β = Xᵀy. Rows with weight 0 are skipped;
// a nil weights slice counts every row.
func ridge(x [][]float64, y, weights, penalty []float64) ([]float64, error) {
	if len(x) == 0 || len(penalty) == 0 {
		return nil, nil
	}
	p := len(penalty)

	a := make([][]float64, p)
	for j := range a {
		a[j] = make([]float64, p+1)
	}

	for i, row := range x {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if w == 0 {
			continue
		}
		for j := 0; j < p; j++ {
			if row[j] == 0 {
				continue
			}
			for k := j; k < p; k++ {
				a[j][k] += w * row[j] * row[k]
			}
			a[j][p] += w * row[j] * y[i]
		}
	}

	for j := 0; j < p; j++ {
		for k := 0; k < j; k++ {
			a[j][k] = a[k][j]
		}
		a[j][j] += penalty[j] + jitter
	}

	return solve(a)
}

// solve runs Gaussian elimination with partial pivoting on an augmented
// p×(p+1) matrix. The matrix is modified in place.
func solve(a [][]float64) ([]float64, error) {
	p := len(a)
	for col := 0; col < p; col++ {
		pivot := col
		for r := col + 1; r < p; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := col + 1; r < p; r++ {
			factor := a[r][col] / a[col][col]
			if factor == 0 {
				continue
			}
			for c := col; c <= p; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	beta := make([]float64, p)
	for r := p - 1; r >= 0; r-- {
		sum := a[r][p]
		for c := r + 1; c < p; c++ {
			sum -= a[r][c] * beta[c]
		}
		beta[r] = sum / a[r][r]
	}
	return beta, nil
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
