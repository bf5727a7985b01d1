package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aeroops/replan/config"
	"github.com/aeroops/replan/ingest"
	"github.com/aeroops/replan/schedule"
)

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run one repair cycle against a built-in fixture fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
}

// runDemo grounds an aircraft mid-morning and shows the engine moving its
// flights onto the spare, printing the cycle report and the resulting diff.
func runDemo(ctx context.Context) error {
	cfg := config.Default()
	initial, err := demoSchedule()
	if err != nil {
		return err
	}

	sys, err := buildSystem(ctx, cfg, initial)
	if err != nil {
		return err
	}
	defer sys.close()

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sys.hub.Run(hubCtx)

	fmt.Printf("initial schedule: version %d, %d flights, %d resources, %d hard conflicts\n",
		sys.store.Version(), len(initial.Flights), len(initial.Resources), sys.store.HardConflicts())

	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	_, err = sys.ingestor.Ingest(ctx, rawEvent("AC-1", "resource-unavailable",
		day.Add(8*time.Hour), day.Add(14*time.Hour)))
	if err != nil {
		return fmt.Errorf("inject disruption: %w", err)
	}
	fmt.Println("injected: aircraft AC-1 unavailable 08:00-14:00")

	rep := sys.engine.RunCycle(ctx)
	out, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Printf("cycle report:\n%s\n", out)

	if d := sys.snapshots.Latest(); d != nil {
		out, _ = json.MarshalIndent(d, "", "  ")
		fmt.Printf("diff:\n%s\n", out)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	fmt.Println("final schedule:")
	return enc.Encode(sys.store.Snapshot().Export())
}

func rawEvent(target, kind string, start, end time.Time) ingest.RawEvent {
	return ingest.RawEvent{
		TargetID:    target,
		Kind:        kind,
		WindowStart: start.Format(time.RFC3339),
		WindowEnd:   end.Format(time.RFC3339),
		Confidence:  1.0,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Source:      "demo",
	}
}

// demoSchedule builds a conflict-free morning: two working aircraft, a
// spare, crews for both fleets, and one gate per aircraft rotation.
func demoSchedule() (*schedule.Schedule, error) {
	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	allDay := []schedule.Window{{Start: day, End: day.Add(24 * time.Hour)}}

	s := schedule.New()
	resources := []*schedule.Resource{
		{ID: "AC-1", Type: schedule.ResourceAircraft, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "AC-2", Type: schedule.ResourceAircraft, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "AC-3", Type: schedule.ResourceAircraft, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "CR-1", Type: schedule.ResourceCrew, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "CR-2", Type: schedule.ResourceCrew, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "CR-3", Type: schedule.ResourceCrew, Qualifications: []string{"A320"}, Availability: allDay},
		{ID: "GT-1", Type: schedule.ResourceGate, Capacity: 2, Availability: allDay},
	}
	for _, r := range resources {
		if err := s.AddResource(r); err != nil {
			return nil, err
		}
	}

	reqs := []schedule.ResourceRequirement{
		{Type: schedule.ResourceAircraft, Count: 1, Qualifications: []string{"A320"}},
		{Type: schedule.ResourceCrew, Count: 1, Qualifications: []string{"A320"}},
		{Type: schedule.ResourceGate, Count: 1},
	}
	flights := []struct {
		id, from, to   string
		dep, arr       time.Time
		aircraft, crew string
	}{
		{"FL-101", "LHR", "CDG", at(9, 0), at(10, 30), "AC-1", "CR-1"},
		{"FL-102", "CDG", "LHR", at(11, 45), at(13, 15), "AC-1", "CR-1"},
		{"FL-201", "LHR", "AMS", at(9, 30), at(10, 45), "AC-2", "CR-2"},
		{"FL-202", "AMS", "LHR", at(12, 0), at(13, 15), "AC-2", "CR-2"},
	}
	for _, f := range flights {
		fl := &schedule.Flight{
			ID: f.id, Origin: f.from, Destination: f.to,
			Departure: f.dep, Arrival: f.arr, Requirements: reqs,
		}
		if err := s.AddFlight(fl); err != nil {
			return nil, err
		}
		for _, res := range []string{f.aircraft, f.crew, "GT-1"} {
			a := schedule.Assignment{FlightID: f.id, ResourceID: res, Start: f.dep, End: f.arr}
			if err := s.Assign(a); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}
