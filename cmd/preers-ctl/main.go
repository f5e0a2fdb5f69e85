// Command preers-ctl administers a running preers daemon over its
// loopback HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/preers/preers/internal/data"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "add":
		err = runAdd(os.Args[2:])
	case "del":
		err = runDel(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: preers-ctl <command> [--http-port N]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  info                                     Show peer ID and known peers")
	fmt.Println("  list {rendezvous|use|provide}            List stored records")
	fmt.Println("  add rendezvous <multiaddr>               Add a rendezvous point")
	fmt.Println("  add provide --host H --port P            Provide a local TCP service")
	fmt.Println("  add use --peer-id ID --host H --port P --forwarder-port F")
	fmt.Println("                                           Use a remote service locally")
	fmt.Println("  del {rendezvous|use|provide} <id>        Delete a record by id")
	fmt.Println()
	fmt.Printf("The daemon's admin port defaults to %d; override with --http-port.\n", data.DefaultHTTPPort)
}

// targetPath maps a CLI target to its API route.
func targetPath(target string) (string, error) {
	switch target {
	case "rendezvous":
		return "/rendezvous", nil
	case "use":
		return "/use_service", nil
	case "provide":
		return "/provide_service", nil
	default:
		return "", fmt.Errorf("unknown target %q (want rendezvous, use, or provide)", target)
	}
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	port := fs.Int("http-port", data.DefaultHTTPPort, "daemon admin port")
	fs.Parse(args)

	c := newClient(*port)
	var info data.NetworkInfo
	if err := c.get("/network_info", &info); err != nil {
		return err
	}
	return printJSON(info)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	port := fs.Int("http-port", data.DefaultHTTPPort, "daemon admin port")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: preers-ctl list {rendezvous|use|provide}")
	}

	path, err := targetPath(fs.Arg(0))
	if err != nil {
		return err
	}

	c := newClient(*port)
	switch fs.Arg(0) {
	case "rendezvous":
		var list []data.Rendezvous
		if err := c.get(path, &list); err != nil {
			return err
		}
		return printJSON(list)
	case "use":
		var list []data.UseService
		if err := c.get(path, &list); err != nil {
			return err
		}
		return printJSON(list)
	default:
		var list []data.ProvideService
		if err := c.get(path, &list); err != nil {
			return err
		}
		return printJSON(list)
	}
}

func runAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	port := fs.Int("http-port", data.DefaultHTTPPort, "daemon admin port")
	peerID := fs.String("peer-id", "", "remote peer id (use)")
	host := fs.String("host", "", "service host (provide, use)")
	svcPort := fs.Uint("port", 0, "service port (provide, use)")
	fwdPort := fs.Uint("forwarder-port", 0, "local forwarder port (use)")

	if len(args) < 1 {
		return fmt.Errorf("usage: preers-ctl add {rendezvous|use|provide} ...")
	}
	target := args[0]
	fs.Parse(args[1:])

	path, err := targetPath(target)
	if err != nil {
		return err
	}
	c := newClient(*port)

	switch target {
	case "rendezvous":
		if fs.NArg() != 1 {
			return fmt.Errorf("must provide multiaddr")
		}
		var out data.Rendezvous
		if err := c.post(path, data.Rendezvous{Multiaddr: fs.Arg(0)}, &out); err != nil {
			return err
		}
		return printJSON(out)

	case "provide":
		if *host == "" || *svcPort == 0 {
			return fmt.Errorf("must provide host and port")
		}
		var out data.ProvideService
		in := data.ProvideService{Host: *host, Port: uint16(*svcPort)}
		if err := c.post(path, in, &out); err != nil {
			return err
		}
		return printJSON(out)

	default: // use
		if *peerID == "" || *host == "" || *svcPort == 0 || *fwdPort == 0 {
			return fmt.Errorf("must provide peer-id, host, port, and forwarder-port")
		}
		var out data.UseService
		in := data.UseService{
			PeerID:        *peerID,
			Host:          *host,
			Port:          uint16(*svcPort),
			ForwarderPort: uint16(*fwdPort),
		}
		if err := c.post(path, in, &out); err != nil {
			return err
		}
		return printJSON(out)
	}
}

func runDel(args []string) error {
	fs := flag.NewFlagSet("del", flag.ExitOnError)
	port := fs.Int("http-port", data.DefaultHTTPPort, "daemon admin port")

	if len(args) < 1 {
		return fmt.Errorf("usage: preers-ctl del {rendezvous|use|provide} <id>")
	}
	target := args[0]
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: preers-ctl del {rendezvous|use|provide} <id>")
	}

	path, err := targetPath(target)
	if err != nil {
		return err
	}
	var id int64
	if _, err := fmt.Sscanf(fs.Arg(0), "%d", &id); err != nil {
		return fmt.Errorf("bad id %q: %w", fs.Arg(0), err)
	}

	c := newClient(*port)
	switch target {
	case "rendezvous":
		return c.del(path, data.Rendezvous{ID: id})
	case "use":
		return c.del(path, data.UseService{ID: id})
	default:
		return c.del(path, data.ProvideService{ID: id})
	}
}
