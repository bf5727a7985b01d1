package schedule

import "sort"

// Export is the serializable form of a schedule, used by the archive
// backends and the HTTP API.
type Export struct {
	Version     uint64       `json:"version"`
	Flights     []*Flight    `json:"flights"`
	Resources   []*Resource  `json:"resources"`
	Assignments []Assignment `json:"assignments"`
}

// Export flattens the schedule into a stable order.
func (s *Schedule) Export() Export {
	e := Export{Version: s.Version, Assignments: s.AllAssignments()}

	flightIDs := make([]string, 0, len(s.Flights))
	for id := range s.Flights {
		flightIDs = append(flightIDs, id)
	}
	sort.Strings(flightIDs)
	for _, id := range flightIDs {
		e.Flights = append(e.Flights, s.Flights[id])
	}

	resourceIDs := make([]string, 0, len(s.Resources))
	for id := range s.Resources {
		resourceIDs = append(resourceIDs, id)
	}
	sort.Strings(resourceIDs)
	for _, id := range resourceIDs {
		e.Resources = append(e.Resources, s.Resources[id])
	}
	return e
}

// FromExport rebuilds a schedule from its serialized form.
func FromExport(e Export) (*Schedule, error) {
	s := New()
	s.Version = e.Version
	for _, f := range e.Flights {
		if err := s.AddFlight(f); err != nil {
			return nil, err
		}
	}
	for _, r := range e.Resources {
		if err := s.AddResource(r); err != nil {
			return nil, err
		}
	}
	for _, a := range e.Assignments {
		if err := s.Assign(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}
