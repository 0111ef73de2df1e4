package query

// Options controls the canonicaliser's numeric-range bucketing pass (§4.1
// step 4-5). The zero value has BucketStep 0, which disables bucketing;
// DefaultOptions returns the default step of 1.0.
type Options struct {
	// BucketStep is the step used to expand BETWEEN/range bounds outward to
	// the nearest multiple. A value <= 0 disables bucketing entirely.
	BucketStep float64
	// BucketFunctionsOnly, when true, restricts bucketing to arguments of
	// recognised distance-style functions (DIST, ST_DISTANCE) and SQRT, the
	// hand-written Euclidean form; functions are matched by name only.
	BucketFunctionsOnly bool
}

// DefaultOptions matches the canonicaliser's documented default: a bucket
// step of 1.0, applied to every numeric range regardless of function.
func DefaultOptions() Options {
	return Options{BucketStep: 1.0, BucketFunctionsOnly: false}
}

// distanceFunctionNames are the function names §4.1 step 5 recognises when
// BucketFunctionsOnly is set.
var distanceFunctionNames = map[string]bool{
	"dist":        true,
	"st_distance": true,
	"sqrt":        true,
}
