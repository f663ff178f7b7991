// Package scan discovers the used prefix of each derivation chain and keeps
// enough addresses materialized to honor the gap limit.
package scan

import (
	"context"
	"errors"
	"fmt"
)

// Generator derives the addresses at the given indices of one chain, in
// order.
type Generator func(indices []uint32) ([]string, error)

// Oracle returns the subset of addrs used on chain.
type Oracle func(ctx context.Context, addrs []string) ([]string, error)

// ErrBadParams is returned for an invalid scan configuration.
var ErrBadParams = errors.New("invalid scan parameters")

// Params configures Discover.
type Params struct {
	// HighestUsed is the highest index already known to be used, or -1.
	HighestUsed int
	// ScanSize is the gap limit.
	ScanSize int
	// RequestSize is how many addresses are derived and checked per pass.
	// It must be at least ScanSize.
	RequestSize int
	Generate    Generator
	IsUsed      Oracle
}

func (p Params) validate() error {
	switch {
	case p.ScanSize <= 0:
		return fmt.Errorf("%w: scan size %d", ErrBadParams, p.ScanSize)
	case p.RequestSize < p.ScanSize:
		return fmt.Errorf("%w: request size %d below scan size %d", ErrBadParams, p.RequestSize, p.ScanSize)
	case p.HighestUsed < -1:
		return fmt.Errorf("%w: highest used %d", ErrBadParams, p.HighestUsed)
	case p.Generate == nil:
		return fmt.Errorf("%w: no generator", ErrBadParams)
	}
	return nil
}

// Result is the outcome of Discover.
type Result struct {
	// Addresses holds indices 0 through HighestUsed+ScanSize.
	Addresses   []string
	HighestUsed int
	// Calls is the number of oracle calls made.
	Calls int
}

// Discover finds the highest used index of a chain and returns every
// address up to it plus the gap.
//
// Each pass derives at least one batch of RequestSize addresses past the
// last examined index (more if needed to cover the gap window) and makes a
// single oracle call for them. A used index only counts if it falls within
// ScanSize of the current highest; the window slides while it keeps
// finding used indices. Scanning stops after a pass that moves nothing.
func Discover(ctx context.Context, p Params) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	if p.IsUsed == nil {
		return Result{}, fmt.Errorf("%w: no oracle", ErrBadParams)
	}

	highest := p.HighestUsed
	examined := highest + 1 // indices below are not sent to the oracle
	var addrs []string
	used := make(map[int]bool)
	index := make(map[string]int)
	calls := 0

	extend := func(n int) error {
		from := len(addrs)
		indices := make([]uint32, n)
		for i := range indices {
			indices[i] = uint32(from + i)
		}
		batch, err := p.Generate(indices)
		if err != nil {
			return fmt.Errorf("generate %d..%d: %w", from, from+n-1, err)
		}
		if len(batch) != n {
			return fmt.Errorf("generator returned %d addresses, want %d", len(batch), n)
		}
		for i, a := range batch {
			index[a] = from + i
		}
		addrs = append(addrs, batch...)
		return nil
	}

	// Addresses at or below the starting point are known; derive them
	// without asking.
	if examined > 0 {
		if err := extend(examined); err != nil {
			return Result{}, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if err := extend(p.RequestSize); err != nil {
			return Result{}, err
		}
		for len(addrs) <= highest+p.ScanSize {
			if err := extend(p.RequestSize); err != nil {
				return Result{}, err
			}
		}

		found, err := p.IsUsed(ctx, addrs[examined:])
		calls++
		if err != nil {
			return Result{}, fmt.Errorf("check used addresses: %w", err)
		}
		examined = len(addrs)
		for _, a := range found {
			if i, ok := index[a]; ok {
				used[i] = true
			}
		}

		moved := false
		for {
			next := -1
			for i := highest + p.ScanSize; i > highest; i-- {
				if used[i] {
					next = i
					break
				}
			}
			if next < 0 {
				break
			}
			highest = next
			moved = true
		}
		if !moved {
			break
		}
	}

	return Result{
		Addresses:   addrs[:highest+p.ScanSize+1],
		HighestUsed: highest,
		Calls:       calls,
	}, nil
}

// Materialize returns addresses 0 through highestUsed+scanSize without an
// oracle, treating nothing past highestUsed as used.
func Materialize(generate Generator, highestUsed, scanSize int) ([]string, error) {
	if scanSize <= 0 || highestUsed < -1 {
		return nil, fmt.Errorf("%w: scan size %d, highest used %d", ErrBadParams, scanSize, highestUsed)
	}
	n := highestUsed + scanSize + 1
	indices := make([]uint32, n)
	for i := range indices {
		indices[i] = uint32(i)
	}
	addrs, err := generate(indices)
	if err != nil {
		return nil, fmt.Errorf("generate 0..%d: %w", n-1, err)
	}
	if len(addrs) != n {
		return nil, fmt.Errorf("generator returned %d addresses, want %d", len(addrs), n)
	}
	return addrs, nil
}
