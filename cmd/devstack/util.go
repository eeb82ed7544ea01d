package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/loykin/devstack/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatusTable(w io.Writer, services []client.ServiceStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tPORT\tHEALTH\tRESTARTS\tALERT")
	for _, s := range services {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Name, stateOf(s), optInt(s.PID), portCol(s), s.HealthStatus, s.RestartCount, alertCol(s.Alert))
	}
	_ = tw.Flush()
}

func stateOf(s client.ServiceStatus) string {
	switch {
	case s.Running:
		return "running"
	case s.ExitCode != nil:
		return "exited(" + strconv.Itoa(*s.ExitCode) + ")"
	default:
		return "stopped"
	}
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func portCol(s client.ServiceStatus) string {
	if s.Port == 0 {
		return "-"
	}
	if s.PortOpen {
		return strconv.Itoa(s.Port) + " (open)"
	}
	return strconv.Itoa(s.Port)
}

func alertCol(a *client.Alert) string {
	if a == nil {
		return ""
	}
	return a.Type
}
