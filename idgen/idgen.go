// Package idgen provides ID generators for engines and trace tasks.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// NewSequential returns a generator whose first emitted ID is "1". IDs are
// only unique within the generator.
func NewSequential() Generator {
	return &sequentialGenerator{}
}

type sequentialGenerator struct {
	next uint64
}

func (g *sequentialGenerator) Generate() string {
	n := atomic.AddUint64(&g.next, 1)
	return strconv.FormatUint(n, 10)
}

// NewUnique returns a generator of globally unique, sortable IDs.
func NewUnique() Generator {
	return uniqueGenerator{}
}

type uniqueGenerator struct{}

func (uniqueGenerator) Generate() string {
	return xid.New().String()
}

// NewPrefixed returns a generator that prepends prefix to the IDs of g.
func NewPrefixed(prefix string, g Generator) Generator {
	return prefixedGenerator{prefix: prefix, g: g}
}

type prefixedGenerator struct {
	prefix string
	g      Generator
}

func (p prefixedGenerator) Generate() string {
	return p.prefix + p.g.Generate()
}
