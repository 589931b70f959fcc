// speedtest runs a single download and upload measurement and prints the
// result in the same format as a speedtracker record.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/pkg/client"
	"github.com/m-lab/speedtracker/pkg/model"
)

const (
	clientName    = "speedtracker-speedtest"
	clientVersion = "v0.1.0"
)

var (
	flagServer   = flag.String("server", "", "throughput1 server (host:port). If empty, the Locate API is used")
	flagScheme   = flag.String("scheme", client.DefaultScheme, "WebSocket scheme (wss or ws)")
	flagLength   = flag.Duration("length", client.DefaultLength, "Length of each subtest")
	flagMID      = flag.String("mid", "", "Measurement ID to use (generated if empty)")
	flagNoVerify = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	c := client.New(clientName, clientVersion, client.Config{
		Server:        *flagServer,
		Scheme:        *flagScheme,
		Length:        *flagLength,
		MeasurementID: *flagMID,
		NoVerify:      *flagNoVerify,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 4*(*flagLength)+30*time.Second)
	defer cancel()

	res, err := c.Measure(ctx, 0)
	rtx.Must(err, "Measurement failed")
	log.Info("Download completed", "speed", fmt.Sprintf("%.2f Mbps", res.DownloadMbps),
		"took", fmt.Sprintf("%.2fs", res.DownloadElapsed.Seconds()))
	log.Info("Upload completed", "speed", fmt.Sprintf("%.2f Mbps", res.UploadMbps),
		"took", fmt.Sprintf("%.2fs", res.UploadElapsed.Seconds()))

	r := model.NewRecord(0, res.DownloadMbps, res.UploadMbps,
		res.DownloadElapsed, res.UploadElapsed, time.Now())
	b, err := json.MarshalIndent(r, "", "  ")
	rtx.Must(err, "Could not marshal result")
	fmt.Println(string(b))
}
