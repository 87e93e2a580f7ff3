// attpctl is a CLI inspection tool for a running attpd daemon: it reads
// the daemon's debug JSON endpoint (namespaces, routes) served alongside
// the Prometheus metrics HTTP server.
package main

import "github.com/dantte-lp/attp/cmd/attpctl/commands"

func main() {
	commands.Execute()
}
