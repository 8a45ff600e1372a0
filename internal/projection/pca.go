package projection

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PCA projects L2-normalised vectors onto their first two principal axes.
// Each axis is oriented so its largest-magnitude coordinate is positive,
// which keeps the layout identical across runs.
type PCA struct{}

func (PCA) Reduce(vectors [][]float64) ([][2]float64, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}
	d := len(vectors[0])
	if d == 0 {
		return nil, errors.New("pca: empty vectors")
	}
	data := make([]float64, 0, n*d)
	for _, v := range vectors {
		if len(v) != d {
			return nil, errors.New("pca: vectors differ in dimension")
		}
		data = append(data, normalize(v)...)
	}
	x := mat.NewDense(n, d, data)
	for j := 0; j < d; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += x.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			x.Set(i, j, x.At(i, j)-mean)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, errors.New("pca: svd factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	_, comps := v.Dims()

	var proj mat.Dense
	proj.Mul(x, &v)

	out := make([][2]float64, n)
	for c := 0; c < 2 && c < comps; c++ {
		sign := 1.0
		var peak float64
		for i := 0; i < n; i++ {
			if val := proj.At(i, c); math.Abs(val) > math.Abs(peak) {
				peak = val
			}
		}
		if peak < 0 {
			sign = -1
		}
		for i := 0; i < n; i++ {
			out[i][c] = sign * proj.At(i, c)
		}
	}
	return out, nil
}

func normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float64, len(v))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
