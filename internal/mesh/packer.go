package mesh

import (
	"context"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/weft/internal/ir"
)

// LiteralSource loads stored literals.
type LiteralSource interface {
	LoadLiteral(ctx context.Context, hash string) (ir.Literal, error)
}

// Packer collects the literals of a response: each op together with the
// packed dependencies the receiver may lack, dependencies first.
//
// Objects the receiver provably holds can be marked as allowed omissions.
// When packing reaches one, it is left out and the path that led to it is
// recorded as its reference chain.
type Packer struct {
	src         LiteralSource
	maxLiterals int

	content       []ir.Literal
	contentHashes mapset.Set[string]

	allowed       mapset.Set[string]
	omissions     map[string][]string
	omissionOrder []string
}

// NewPacker returns an empty packer that holds at most maxLiterals literals.
func NewPacker(src LiteralSource, maxLiterals int) *Packer {
	return &Packer{
		src:           src,
		maxLiterals:   maxLiterals,
		contentHashes: mapset.NewThreadUnsafeSet[string](),
		allowed:       mapset.NewThreadUnsafeSet[string](),
		omissions:     make(map[string][]string),
	}
}

// AllowOmission lets the packer leave hash out.
func (p *Packer) AllowOmission(hash string) {
	p.allowed.Add(hash)
}

// IsAllowedOmission reports whether hash may be left out.
func (p *Packer) IsAllowedOmission(hash string) bool {
	return p.allowed.Contains(hash)
}

// AllowOmissionsRecursively allows omitting the given hashes and everything
// they depend on, breadth first, until max omissions are allowed. Every
// dependency is followed, causal references included, since a receiver
// holding an op holds its whole history.
func (p *Packer) AllowOmissionsRecursively(ctx context.Context, hashes []string, max int) error {
	queue := slices.Clone(hashes)
	queued := mapset.NewThreadUnsafeSet(hashes...)
	for len(queue) > 0 && p.allowed.Cardinality() < max {
		next := queue[0]
		queue = queue[1:]
		p.allowed.Add(next)

		lit, ok, err := loadLiteral(ctx, p.src, next)
		if err != nil {
			return fmt.Errorf("allow omissions: %w", err)
		}
		if !ok {
			continue
		}
		for _, dep := range lit.Dependencies {
			if p.allowed.Contains(dep.Hash) || queued.Contains(dep.Hash) {
				continue
			}
			queued.Add(dep.Hash)
			queue = append(queue, dep.Hash)
		}
	}
	return nil
}

// frame is one object being packed: its packed dependencies are visited
// in order before the object itself is emitted.
type frame struct {
	lit  ir.Literal
	deps []ir.Dependency
	next int
}

// AddObject packs hash with every packed dependency not already in the
// pack and not allowed to be omitted. It reports false, leaving the pack
// unchanged, when they do not all fit.
func (p *Packer) AddObject(ctx context.Context, hash string) (bool, error) {
	if p.contentHashes.Contains(hash) || p.allowed.Contains(hash) {
		return true, nil
	}
	room := p.maxLiterals - len(p.content)
	if room <= 0 {
		return false, nil
	}

	var packed []ir.Literal
	seen := mapset.NewThreadUnsafeSet[string]()
	omitted := make(map[string][]string)
	var omittedOrder []string

	push := func(h string) (*frame, error) {
		lit, err := p.src.LoadLiteral(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", h, err)
		}
		seen.Add(h)
		return &frame{lit: lit, deps: lit.PackedDependencies()}, nil
	}

	root, err := push(hash)
	if err != nil {
		return false, err
	}
	stack := []*frame{root}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next == len(top.deps) {
			packed = append(packed, top.lit)
			stack = stack[:len(stack)-1]
			continue
		}
		dep := top.deps[top.next].Hash
		top.next++
		if p.contentHashes.Contains(dep) || seen.Contains(dep) {
			continue
		}
		if _, ok := omitted[dep]; ok {
			continue
		}
		if p.allowed.Contains(dep) {
			chain := make([]string, len(stack))
			for i, f := range stack {
				chain[i] = f.lit.Hash
			}
			omitted[dep] = chain
			omittedOrder = append(omittedOrder, dep)
			continue
		}
		if seen.Cardinality() >= room {
			return false, nil
		}
		f, err := push(dep)
		if err != nil {
			return false, err
		}
		stack = append(stack, f)
	}

	for _, lit := range packed {
		p.content = append(p.content, lit)
		p.contentHashes.Add(lit.Hash)
	}
	for _, h := range omittedOrder {
		if _, ok := p.omissions[h]; !ok {
			p.omissions[h] = omitted[h]
			p.omissionOrder = append(p.omissionOrder, h)
		}
	}
	return true, nil
}

// Content returns the packed literals, each after its dependencies.
func (p *Packer) Content() []ir.Literal { return p.content }

// Len returns the number of packed literals.
func (p *Packer) Len() int { return len(p.content) }

// Omissions returns the omitted hashes, in the order packing reached them,
// with their reference chains. A chain starts at the packed op and ends at
// the omitted object's parent.
func (p *Packer) Omissions() ([]string, [][]string) {
	hashes := slices.Clone(p.omissionOrder)
	chains := make([][]string, len(hashes))
	for i, h := range hashes {
		chains[i] = slices.Clone(p.omissions[h])
	}
	return hashes, chains
}
