package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// routeWire mirrors route.Wire's JSON shape, kept local since attpctl
// has no generated client to share the type with (the daemon's debug
// surface is a small hand-rolled JSON endpoint, not a protobuf schema).
type routeWire struct {
	Pattern   string `json:"pattern"`
	RouteID   uint64 `json:"RouteID"`
	Type      string `json:"Type"`
	Namespace string `json:"namespace"`
}

// sessionWire mirrors one registered session's JSON shape.
type sessionWire struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

type namespaceSummary struct {
	Namespace string        `json:"namespace"`
	Routes    []routeWire   `json:"routes"`
	Sessions  []sessionWire `json:"sessions"`
}

func namespacesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "namespaces",
		Short: "Inspect active namespaces and their route tables",
	}

	cmd.AddCommand(namespacesListCmd())
	cmd.AddCommand(routesCmd())
	cmd.AddCommand(sessionsCmd())

	return cmd
}

func fetchNamespaces() ([]namespaceSummary, error) {
	resp, err := httpClient.Get("http://" + serverAddr + "/debug/namespaces")
	if err != nil {
		return nil, fmt.Errorf("fetch namespaces: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetch namespaces: unexpected status %s", resp.Status)
	}

	var out []namespaceSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode namespaces: %w", err)
	}
	return out, nil
}

func namespacesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active namespaces",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			namespaces, err := fetchNamespaces()
			if err != nil {
				return err
			}

			if outputFormat == formatJSON {
				return printJSON(namespaceNames(namespaces))
			}

			var buf strings.Builder
			w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAMESPACE\tROUTES")
			for _, ns := range namespaces {
				fmt.Fprintf(w, "%s\t%d\n", ns.Namespace, len(ns.Routes))
			}
			_ = w.Flush()
			fmt.Print(buf.String())
			return nil
		},
	}
}

func namespaceNames(namespaces []namespaceSummary) []string {
	out := make([]string, len(namespaces))
	for i, ns := range namespaces {
		out[i] = ns.Namespace
	}
	return out
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes <namespace>",
		Short: "List the route table for one namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			namespaces, err := fetchNamespaces()
			if err != nil {
				return err
			}

			target := args[0]
			for _, ns := range namespaces {
				if ns.Namespace != target {
					continue
				}

				if outputFormat == formatJSON {
					return printJSON(ns.Routes)
				}

				var buf strings.Builder
				w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ROUTE_ID\tTYPE\tPATTERN")
				for _, r := range ns.Routes {
					fmt.Fprintf(w, "%d\t%s\t%s\n", r.RouteID, r.Type, r.Pattern)
				}
				_ = w.Flush()
				fmt.Print(buf.String())
				return nil
			}

			return fmt.Errorf("namespace %q not found", target)
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <namespace>",
		Short: "List registered sessions for one namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			namespaces, err := fetchNamespaces()
			if err != nil {
				return err
			}

			target := args[0]
			for _, ns := range namespaces {
				if ns.Namespace != target {
					continue
				}

				if outputFormat == formatJSON {
					return printJSON(ns.Sessions)
				}

				var buf strings.Builder
				w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION_ID\tROLE")
				for _, s := range ns.Sessions {
					fmt.Fprintf(w, "%s\t%s\n", s.SessionID, s.Role)
				}
				_ = w.Flush()
				fmt.Print(buf.String())
				return nil
			}

			return fmt.Errorf("namespace %q not found", target)
		},
	}
}
