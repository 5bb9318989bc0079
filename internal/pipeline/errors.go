package pipeline

import "errors"

// Declared structural failures. Input-unavailable conditions are not errors;
// they surface as a SelectionOutcome with a nil product and a reason.
var (
	ErrSourceUnavailable   = errors.New("keyword source unavailable")
	ErrSearchUnavailable   = errors.New("product search unavailable")
	ErrMatchingUnavailable = errors.New("matching unavailable")
	ErrRankingUnavailable  = errors.New("ranking unavailable")
	ErrEmbedderUnavailable = errors.New("embedder unavailable")
	ErrDetailUnavailable   = errors.New("product detail unavailable")
	ErrNoSelection         = errors.New("no product selected")

	// ErrInvalidInput marks caller mistakes such as an empty keyword.
	ErrInvalidInput = errors.New("invalid input")
)
