package types

import (
	"fmt"

	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

func decodeGrant(lit ir.Literal) (op.Object, error) {
	o, err := op.DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := checkPlain(o); err != nil {
		return nil, err
	}
	for _, field := range []string{"grantee", "capability"} {
		if v, _ := o.Payload.GetString(field); v == "" {
			return nil, fmt.Errorf("%w: grant without %s", op.ErrMalformed, field)
		}
	}
	return o, nil
}

func decodeRevoke(lit ir.Literal) (op.Object, error) {
	obj, err := op.DecodeInvalidateAfter(lit)
	if err != nil {
		return nil, err
	}
	o := obj.(*op.Op)
	if err := checkCausalKeys(o, "target"); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeUse(lit ir.Literal) (op.Object, error) {
	o, err := op.DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := checkPlain(o, keyGrant); err != nil {
		return nil, err
	}
	if o.CausalOps[keyGrant] == "" || o.Author == "" {
		return nil, fmt.Errorf("%w: use needs a grant and an author", op.ErrMalformed)
	}
	if v, _ := o.Payload.GetString("usage"); v == "" {
		return nil, fmt.Errorf("%w: use without usage key", op.ErrMalformed)
	}
	return o, nil
}

func decodeAdd(lit ir.Literal) (op.Object, error) {
	o, err := op.DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := checkPlain(o, keyAuth); err != nil {
		return nil, err
	}
	if o.Refs[refElem] == "" {
		return nil, fmt.Errorf("%w: add without element", op.ErrMalformed)
	}
	return o, nil
}

func decodeDelete(lit ir.Literal) (op.Object, error) {
	obj, err := op.DecodeInvalidateAfter(lit)
	if err != nil {
		return nil, err
	}
	o := obj.(*op.Op)
	if err := checkCausalKeys(o, "target", keyAuth); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeAttest(lit ir.Literal) (op.Object, error) {
	o, err := op.DecodeOp(lit)
	if err != nil {
		return nil, err
	}
	if err := checkPlain(o, keyAdd); err != nil {
		return nil, err
	}
	if o.CausalOps[keyAdd] == "" {
		return nil, fmt.Errorf("%w: attestation without add op", op.ErrMalformed)
	}
	if v, _ := o.Payload.GetString("usage"); v == "" {
		return nil, fmt.Errorf("%w: attestation without usage key", op.ErrMalformed)
	}
	return o, nil
}
