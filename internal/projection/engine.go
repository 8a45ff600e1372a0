// Package projection places embedded journeys on a plane and groups them
// into clusters for the patient overview.
//
// The default reducer is PCA on the top two principal components. It takes
// the place of a UMAP projection and has no neighbour count or minimum
// distance to tune; a ManifoldReducer with those knobs can be plugged in
// through Engine.Reducer.
package projection

import (
	"errors"
	"fmt"
)

// ErrTooFewSamples is returned when fewer than two vectors are projected.
var ErrTooFewSamples = errors.New("projection: number of samples must be greater than 1")

const (
	DefaultTargetClusters = 6
	DefaultSeed           = 99
)

// ManifoldReducer maps high-dimensional vectors to two coordinates each.
type ManifoldReducer interface {
	Reduce(vectors [][]float64) ([][2]float64, error)
}

// ClusterAssigner labels each point with a cluster in [0, k).
type ClusterAssigner interface {
	Assign(points [][2]float64, k int) ([]int, error)
}

// Point is the projection of one journey.
type Point struct {
	ID      string
	X       float64
	Y       float64
	Cluster int
}

// Engine runs a reducer followed by an assigner. Nil fields fall back to
// PCA and k-means seeded with Seed, which is used as given.
type Engine struct {
	Reducer        ManifoldReducer
	Assigner       ClusterAssigner
	TargetClusters int
	Seed           uint64
}

func NewEngine() *Engine {
	return &Engine{TargetClusters: DefaultTargetClusters, Seed: DefaultSeed}
}

// Project returns one point per id, in input order.
func (e *Engine) Project(ids []string, vectors [][]float64) ([]Point, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("projection: %d ids for %d vectors", len(ids), len(vectors))
	}
	n := len(vectors)
	if n < 2 {
		return nil, ErrTooFewSamples
	}
	reducer := e.Reducer
	if reducer == nil {
		reducer = PCA{}
	}
	assigner := e.Assigner
	if assigner == nil {
		assigner = &KMeans{Seed: e.Seed}
	}
	coords, err := reducer.Reduce(vectors)
	if err != nil {
		return nil, fmt.Errorf("projection: reduce: %w", err)
	}
	if len(coords) != n {
		return nil, fmt.Errorf("projection: reducer returned %d points for %d vectors", len(coords), n)
	}
	labels, err := assigner.Assign(coords, e.clusterCount(n))
	if err != nil {
		return nil, fmt.Errorf("projection: assign clusters: %w", err)
	}
	if len(labels) != n {
		return nil, fmt.Errorf("projection: assigner returned %d labels for %d points", len(labels), n)
	}
	points := make([]Point, n)
	for i := range points {
		points[i] = Point{ID: ids[i], X: coords[i][0], Y: coords[i][1], Cluster: labels[i]}
	}
	return points, nil
}

func (e *Engine) clusterCount(n int) int {
	target := e.TargetClusters
	if target <= 0 {
		target = DefaultTargetClusters
	}
	return min(target, max(n, 1))
}
