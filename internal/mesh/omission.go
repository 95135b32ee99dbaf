package mesh

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/ir"
)

// protocolError is a peer's protocol violation, answered by cancelling the
// request with reason.
type protocolError struct {
	reason CancelReason
	detail string

	// op is set when the violation is an invalid op, whose header the
	// requester then stops trying to fetch.
	op string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.reason, e.detail)
}

func violation(reason CancelReason, format string, args ...any) *protocolError {
	return &protocolError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// pendingLinks are dependency edges claimed by reference chains whose
// source has not arrived yet, keyed by source hash.
type pendingLinks map[string][]string

// checkOmissions validates the omitted objects of resp before any of its
// literals are processed.
//
// Each omitted object must be held locally and match its keyed ownership
// proof. Its chain must start at a sent op or a locally held op of the
// object, and every
// link whose source is held locally must be a real dependency edge. Links
// from sources still to arrive are returned, to be checked on arrival.
// The hashes returned are the proven omissions.
func checkOmissions(ctx context.Context, s LiteralSource, val validator, req *Request, resp *Response) (mapset.Set[string], pendingLinks, error) {
	proven := mapset.NewThreadUnsafeSet[string]()
	pending := make(pendingLinks)
	n := len(resp.OmittedObjs)
	if n == 0 {
		return proven, pending, nil
	}
	if len(resp.SendingOps) == 0 {
		return nil, nil, violation(CancelInvalidResponse, "%d omitted objects but no ops sent", n)
	}
	if len(resp.OmittedObjsReferenceChains) != n {
		return nil, nil, violation(CancelInvalidResponse, "%d omitted objects but %d reference chains", n, len(resp.OmittedObjsReferenceChains))
	}
	if len(resp.OmittedObjsOwnershipProofs) != n {
		return nil, nil, violation(CancelInvalidResponse, "%d omitted objects but %d ownership proofs", n, len(resp.OmittedObjsOwnershipProofs))
	}

	sending := mapset.NewThreadUnsafeSet(resp.SendingOps...)
	held := make(map[string]*ir.Literal)
	lookup := func(hash string) (*ir.Literal, error) {
		if lit, ok := held[hash]; ok {
			return lit, nil
		}
		lit, ok, err := loadLiteral(ctx, s, hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			held[hash] = nil
			return nil, nil
		}
		held[hash] = &lit
		return &lit, nil
	}

	for i, hash := range resp.OmittedObjs {
		chain := resp.OmittedObjsReferenceChains[i]
		if len(chain) == 0 {
			return nil, nil, violation(CancelInvalidOmittedObjs, "empty reference chain for %s", short(hash))
		}

		target, err := lookup(hash)
		if err != nil {
			return nil, nil, err
		}
		if target == nil {
			return nil, nil, violation(CancelInvalidOmittedObjs, "omitted object %s is not held locally", short(hash))
		}
		proof, err := ir.OwnershipProof(req.OmissionProofsSecret, *target)
		if err != nil {
			return nil, nil, err
		}
		if proof != resp.OmittedObjsOwnershipProofs[i] {
			return nil, nil, violation(CancelInvalidOmittedObjs, "wrong ownership proof for %s", short(hash))
		}

		root, err := lookup(chain[0])
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sending.Contains(chain[0]):
		case root == nil:
			return nil, nil, violation(CancelInvalidOmittedObjs, "chain for %s starts at %s, which is neither sent nor held", short(hash), short(chain[0]))
		default:
			if _, _, ok := val.validOp(*root); !ok {
				return nil, nil, violation(CancelInvalidOmittedObjs, "chain for %s starts at %s, which is not an op of %s", short(hash), short(chain[0]), short(val.target))
			}
		}

		path := append(append([]string{}, chain...), hash)
		for j := 0; j+1 < len(path); j++ {
			from, to := path[j], path[j+1]
			src, err := lookup(from)
			if err != nil {
				return nil, nil, err
			}
			if src == nil {
				pending[from] = append(pending[from], to)
				continue
			}
			if !src.HasDependency(to) {
				return nil, nil, violation(CancelInvalidOmittedObjs, "%s does not depend on %s", short(from), short(to))
			}
		}
		proven.Add(hash)
	}
	return proven, pending, nil
}
