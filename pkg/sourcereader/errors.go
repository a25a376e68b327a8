package sourcereader

import "errors"

// Kind classifies why reading source inputs failed.
type Kind int

const (
	// KindMissing means a required input file does not exist.
	KindMissing Kind = iota
	// KindChecksum means two source files disagree on the checksum that
	// should tie them to the same preprocessing run.
	KindChecksum
	// KindSizeMismatch means two source files disagree on a count that
	// must match between them (e.g. edge count in the topology file vs.
	// the name-id file).
	KindSizeMismatch
	// KindMalformed means a file's content could not be parsed at all
	// (too short, bad encoding).
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindChecksum:
		return "checksum"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ErrSourceInput is the sentinel every SourceInputError wraps, so callers
// can classify with a single errors.Is check regardless of Kind.
var ErrSourceInput = errors.New("sourcereader: source input error")

// SourceInputError reports a failure reading or validating a source file.
// Any such error aborts the load before the registry is touched (spec
// §4.2/§4.6: "any error before step 10 is recoverable").
type SourceInputError struct {
	Kind Kind
	File string
	Err  error
}

func (e *SourceInputError) Error() string {
	if e.Err != nil {
		return "sourcereader: " + e.Kind.String() + " (" + e.File + "): " + e.Err.Error()
	}

	return "sourcereader: " + e.Kind.String() + " (" + e.File + ")"
}

func (e *SourceInputError) Unwrap() error { return ErrSourceInput }

func missingErr(file string, err error) error {
	return &SourceInputError{Kind: KindMissing, File: file, Err: err}
}

func malformedErr(file string, err error) error {
	return &SourceInputError{Kind: KindMalformed, File: file, Err: err}
}

func sizeMismatchErr(file string, err error) error {
	return &SourceInputError{Kind: KindSizeMismatch, File: file, Err: err}
}

func checksumErr(file string, err error) error {
	return &SourceInputError{Kind: KindChecksum, File: file, Err: err}
}
