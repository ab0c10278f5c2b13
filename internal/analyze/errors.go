package analyze

import "fmt"

// Warnings carried on a Result. These are advisory: the run still succeeds.
const (
	// WarnEmptyCorpus means the input had no roles to analyze.
	WarnEmptyCorpus = "empty corpus: no roles to analyze"

	// WarnDegenerateGraph means no pair of roles cleared the similarity
	// threshold, so the graph has no edges and no clusters are possible.
	WarnDegenerateGraph = "degenerate graph: no role pair met the similarity threshold"
)

// EncodingError reports that a single role could not be turned into an
// indexed vector, whether the encoding, the embedding call, or vector
// validation failed. In lenient mode these become Result.Excluded entries;
// in strict mode the first one aborts the run.
type EncodingError struct {
	RoleID string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding role %q: %v", e.RoleID, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// IndexUnavailableError reports that the vector index itself failed. This is
// always fatal: a run cannot produce a trustworthy graph over a partial or
// broken index.
type IndexUnavailableError struct {
	Err error
}

func (e *IndexUnavailableError) Error() string {
	return fmt.Sprintf("vector index unavailable: %v", e.Err)
}

func (e *IndexUnavailableError) Unwrap() error { return e.Err }
