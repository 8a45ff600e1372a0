package projection

import (
	"errors"
	"math"
	"math/rand/v2"
)

const (
	DefaultRestarts = 10
	DefaultMaxIter  = 300
)

// KMeans clusters points with k-means++ seeding and Lloyd iterations. The
// run with the lowest inertia over Restarts wins; labels are renumbered in
// order of first appearance.
type KMeans struct {
	Seed     uint64
	Restarts int
	MaxIter  int
}

func (km *KMeans) Assign(points [][2]float64, k int) ([]int, error) {
	n := len(points)
	if k <= 0 {
		return nil, errors.New("kmeans: k must be positive")
	}
	if n == 0 {
		return nil, nil
	}
	k = min(k, n)
	restarts := km.Restarts
	if restarts <= 0 {
		restarts = DefaultRestarts
	}
	maxIter := km.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}
	rng := rand.New(rand.NewPCG(km.Seed, km.Seed^0x9e3779b97f4a7c15))

	var best []int
	bestInertia := math.Inf(1)
	for r := 0; r < restarts; r++ {
		centers := seedCenters(points, k, rng)
		labels, inertia := lloyd(points, centers, maxIter)
		if inertia < bestInertia {
			bestInertia = inertia
			best = labels
		}
	}
	return renumber(best), nil
}

func seedCenters(points [][2]float64, k int, rng *rand.Rand) [][2]float64 {
	centers := make([][2]float64, 0, k)
	centers = append(centers, points[rng.IntN(len(points))])
	dist := make([]float64, len(points))
	for len(centers) < k {
		var total float64
		for i, p := range points {
			dist[i] = sqDist(p, centers[nearest(p, centers)])
			total += dist[i]
		}
		if total == 0 {
			centers = append(centers, points[rng.IntN(len(points))])
			continue
		}
		target := rng.Float64() * total
		chosen := len(points) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				chosen = i
				break
			}
		}
		centers = append(centers, points[chosen])
	}
	return centers
}

func lloyd(points [][2]float64, centers [][2]float64, maxIter int) ([]int, float64) {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			if c := nearest(p, centers); c != labels[i] {
				labels[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := make([][2]float64, len(centers))
		counts := make([]int, len(centers))
		for i, p := range points {
			c := labels[i]
			sums[c][0] += p[0]
			sums[c][1] += p[1]
			counts[c]++
		}
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			centers[c] = [2]float64{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
		}
	}
	var inertia float64
	for i, p := range points {
		inertia += sqDist(p, centers[labels[i]])
	}
	return labels, inertia
}

func nearest(p [2]float64, centers [][2]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(p, center); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sqDist(a, b [2]float64) float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return dx*dx + dy*dy
}

func renumber(labels []int) []int {
	mapping := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := mapping[l]
		if !ok {
			id = len(mapping)
			mapping[l] = id
		}
		out[i] = id
	}
	return out
}
