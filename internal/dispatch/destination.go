package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DestinationID is the dense index of a destination in the socket table
// and the metrics store.
type DestinationID uint32

var (
	// ErrOutOfIDs is returned when every destination id is in use.
	ErrOutOfIDs = errors.New("out of destination ids")

	ErrInvalidLabel = errors.New("invalid label")
)

const maxLabelLen = 255

func validateLabel(label string) error {
	switch {
	case label == "":
		return fmt.Errorf("%w: empty", ErrInvalidLabel)
	case len(label) > maxLabelLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidLabel, maxLabelLen)
	case strings.IndexByte(label, 0) != -1:
		return fmt.Errorf("%w: contains a null byte", ErrInvalidLabel)
	}
	return nil
}

// Destination is a service that receives connections. Bindings point at a
// destination, and a destination has at most one socket.
type Destination struct {
	Label    string
	Domain   Domain
	Protocol Protocol
}

func newDestination(label string, domain Domain, proto Protocol) (Destination, error) {
	if err := validateLabel(label); err != nil {
		return Destination{}, err
	}
	return Destination{label, domain, proto}, nil
}

func (d Destination) String() string {
	return fmt.Sprintf("%s:%s:%s", d.Domain, d.Protocol, d.Label)
}

type destinationAlloc struct {
	id    DestinationID
	count uint
}

// destinations hands out ids to destinations and tracks how many bindings
// and sockets refer to each one. Not safe for concurrent use.
type destinations struct {
	max    int
	allocs map[Destination]*destinationAlloc
	byID   map[DestinationID]Destination
}

func newDestinations(max int) *destinations {
	return &destinations{
		max:    max,
		allocs: make(map[Destination]*destinationAlloc),
		byID:   make(map[DestinationID]Destination),
	}
}

// acquire takes a reference on dest, allocating the lowest free id if dest
// is new.
func (ds *destinations) acquire(dest Destination) (DestinationID, bool, error) {
	if alloc, ok := ds.allocs[dest]; ok {
		alloc.count++
		return alloc.id, false, nil
	}

	id, err := ds.nextID()
	if err != nil {
		return 0, false, err
	}

	ds.allocs[dest] = &destinationAlloc{id, 1}
	ds.byID[id] = dest
	return id, true, nil
}

func (ds *destinations) nextID() (DestinationID, error) {
	if len(ds.byID) >= ds.max {
		return 0, fmt.Errorf("allocate destination: %w", ErrOutOfIDs)
	}

	for i := 0; i < ds.max; i++ {
		if _, used := ds.byID[DestinationID(i)]; !used {
			return DestinationID(i), nil
		}
	}
	return 0, fmt.Errorf("allocate destination: %w", ErrOutOfIDs)
}

// release drops a reference on the destination with id and returns true
// if it was freed.
func (ds *destinations) release(id DestinationID) (bool, error) {
	dest, ok := ds.byID[id]
	if !ok {
		return false, fmt.Errorf("release destination %d: not allocated", id)
	}

	alloc := ds.allocs[dest]
	alloc.count--
	if alloc.count > 0 {
		return false, nil
	}

	delete(ds.allocs, dest)
	delete(ds.byID, id)
	return true, nil
}

func (ds *destinations) lookup(dest Destination) (DestinationID, bool) {
	alloc, ok := ds.allocs[dest]
	if !ok {
		return 0, false
	}
	return alloc.id, true
}

func (ds *destinations) byIDs() map[DestinationID]Destination {
	result := make(map[DestinationID]Destination, len(ds.byID))
	for id, dest := range ds.byID {
		result[id] = dest
	}
	return result
}

func (ds *destinations) sorted() []Destination {
	result := make([]Destination, 0, len(ds.allocs))
	for dest := range ds.allocs {
		result = append(result, dest)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if a.Domain != b.Domain {
			return a.Domain < b.Domain
		}
		return a.Protocol < b.Protocol
	})
	return result
}
