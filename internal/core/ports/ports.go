// Package ports allocates stable listening ports for deployment slots.
package ports

import "errors"

// ErrRangeExhausted is returned when no free port remains in the range.
var ErrRangeExhausted = errors.New("no available ports in range")

// PortRange defines the port range slots are assigned from.
type PortRange struct {
	Start int // Inclusive, e.g., 20000
	End   int // Inclusive, e.g., 29999
}

// DefaultPortRange returns the default slot port range.
func DefaultPortRange() PortRange {
	return PortRange{Start: 20000, End: 29999}
}

// AllocatePair finds two free ports for a new environment's blue and green
// slots. Pure function - takes used ports as input.
func AllocatePair(usedPorts []int, r PortRange) (int, int, error) {
	used := make(map[int]bool, len(usedPorts))
	for _, p := range usedPorts {
		used[p] = true
	}

	first := 0
	for port := r.Start; port <= r.End; port++ {
		if used[port] {
			continue
		}
		if first == 0 {
			first = port
			continue
		}
		return first, port, nil
	}

	return 0, 0, ErrRangeExhausted
}

// Valid checks if a port is within the allowed range.
func Valid(port int, r PortRange) bool {
	return port >= r.Start && port <= r.End
}
