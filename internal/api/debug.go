package api

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes adds the autosteer status page to the tsweb /debug/
// index of mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("autosteer", "controller state and sensor link counters", s.serveDebugStatus)
}

func (s *Server) serveDebugStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	st := s.controller.State()
	vc := s.vehicles.VehicleContext()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "active\t%t\n", st.IsActive)
	fmt.Fprintf(tw, "steer\t%.4f\n", st.Steer)
	fmt.Fprintf(tw, "curvature\t%.6f 1/m\n", st.Curvature)
	fmt.Fprintf(tw, "steering angle\t%.3f deg\n", st.SteeringAngleDeg)
	fmt.Fprintf(tw, "acceleration\t%.3f m/s²\n", st.Acceleration)
	fmt.Fprintf(tw, "readings\t%d\n", st.Readings)
	if st.LastUpdated.IsZero() {
		fmt.Fprintf(tw, "last updated\tnever\n")
	} else {
		fmt.Fprintf(tw, "last updated\t%s (%s ago)\n", st.LastUpdated.Format("15:04:05.000"), s.clock.Now().Sub(st.LastUpdated).Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "ego speed\t%.2f m/s\n", vc.EgoSpeed)
	fmt.Fprintf(tw, "road roll\t%.4f rad\n", vc.RoadRoll)

	if s.link != nil {
		ls := s.link.Stats()
		fmt.Fprintf(tw, "link connected\t%t\n", ls.Connected)
		fmt.Fprintf(tw, "link readings\t%d\n", ls.Readings)
		fmt.Fprintf(tw, "decode faults\t%d\n", ls.DecodeFaults)
		fmt.Fprintf(tw, "transport faults\t%d\n", ls.TransportFaults)
		fmt.Fprintf(tw, "reconnects\t%d\n", ls.Reconnects)
	}
	tw.Flush()
}
