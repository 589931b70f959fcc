// speedtracker-ctl sends commands to a running speedtracker control server
// and prints the responses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/pkg/control"
	"github.com/m-lab/speedtracker/pkg/control/spec"
)

var (
	flagServer  = flag.String("server", "127.0.0.1:5555", "Control server address")
	flagTimeout = flag.Duration("timeout", 10*time.Second, "Timeout for each command")
	flagQuiet   = flag.Duration("quiet", spec.ResponseQuietPeriod, "Silence after which a response is considered complete")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] command...\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Commands: %s, %s, %s\n",
			spec.CommandPing, spec.CommandSendLogs, spec.CommandSendData)
		flag.PrintDefaults()
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	commands := flag.Args()
	if len(commands) == 0 {
		commands = []string{spec.CommandPing}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	c, err := control.Dial(ctx, *flagServer)
	cancel()
	rtx.Must(err, "Could not connect to %s", *flagServer)
	defer c.Close()
	c.QuietPeriod = *flagQuiet

	for _, cmd := range commands {
		ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
		resp, err := c.Send(ctx, cmd)
		cancel()
		rtx.Must(err, "Command %q failed", cmd)
		fmt.Println(resp)
	}
}
