package op

import "fmt"

// Verifier checks authorship of an op before it is trusted.
// Signature schemes live behind this interface; the core only calls it.
type Verifier interface {
	Verify(o *Op) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(o *Op) error

// Verify calls f(o).
func (f VerifierFunc) Verify(o *Op) error { return f(o) }

// AllowAll accepts any author, including none.
var AllowAll Verifier = VerifierFunc(func(*Op) error { return nil })

// RequireAuthor accepts only ops written by one of the given authors.
// System-generated ops (empty author) are always accepted.
func RequireAuthor(authors ...string) Verifier {
	allowed := make(map[string]struct{}, len(authors))
	for _, a := range authors {
		allowed[a] = struct{}{}
	}
	return VerifierFunc(func(o *Op) error {
		if o.Author == "" {
			return nil
		}
		if _, ok := allowed[o.Author]; !ok {
			return fmt.Errorf("author %q is not allowed to write %s", o.Author, o.Class)
		}
		return nil
	})
}
