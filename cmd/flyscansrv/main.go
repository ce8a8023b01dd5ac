package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	_ "go.uber.org/automaxprocs"

	yml "gopkg.in/yaml.v2"

	"github.com/mxlab/flyscan/generichttp"
	"github.com/mxlab/flyscan/pipeline"
	"github.com/mxlab/flyscan/xrc"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "flyscan.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `flyscansrv runs X-ray centring flyscans and exposes them over HTTP.
A scan drives the grid motion program while the detector streams to the
analysis service, then publishes the candidate crystal centres it found.

Usage:
	flyscansrv <command>

Commands:
	run
	once <request.yml>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `flyscansrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used, which simulate every
device (Mock: true).  The command mkconf generates the configuration file with
the default values.

Periods and timeouts are in seconds.  Motion.Serial selects RS232 for the motion
controller, in which case Motion.Addr is the serial port, e.g. /dev/ttyS4.

Trigger.Addr is the address of the SCPI trigger distribution box; leave it empty
if triggers are hard wired.  Trigger.Signals are read from the SCPI instrument at
Trigger.SignalsAddr, "pre" signals before the scan and "during" signals at
Motion.ReadPoints.

Hook sets:
- step: position compare triggers the detector, one read during the scan
- sequence: the program sequencer triggers the detector, one read per segment

Routes, below Root:
	POST /run            run a scan, the body is a run request as JSON
	POST /abort          abort the scan in progress
	GET  /state          what the pipeline is doing
	GET  /runs           recent runs, ?n= of them
	GET  /runs/latest    the last run
	GET  /runs/{id}      a run by id
	GET  /runs/{id}/map.fits   per-segment total count map as FITS
	GET|POST /lock       operator lock; POSTs are refused with 423 while locked
	GET  /motion/...     motion controller status

once runs a single scan from a yaml run request and prints the outcome.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("flyscansrv version %v\n", Version)
}

func loadconfig() Config {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func run() {
	c := loadconfig()
	in, err := BuildInstrument(c)
	if err != nil {
		log.Fatal(err)
	}
	defer in.Close()
	o := NewOrchestrator(c, in)
	mux := BuildMux(c, in, o)
	if c.Mock {
		log.Println("mock mode, every device is simulated")
	}
	log.Println("now listening for requests at ", listenURL(c.Addr)+generichttp.SubMuxSanitize(c.Root))
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

// once runs one scan and reports whether it failed
func once(path string) bool {
	c := loadconfig()
	req, err := LoadRequest(path)
	if err != nil {
		log.Fatal(err)
	}
	in, err := BuildInstrument(c)
	if err != nil {
		log.Fatal(err)
	}
	defer in.Close()
	hooks, err := in.Registry.Lookup(req.Hooks)
	if err != nil {
		log.Fatal(err)
	}
	o := NewOrchestrator(c, in)

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				spinner.Message(o.Status().Stage)
			}
		}
	}()

	spinner.Start()
	out, err := o.Run(ctx, in.Composite, req.Params(), hooks)
	close(done)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
	} else {
		spinner.StopMessage(out.Kind.String())
		spinner.Stop()
	}

	b, err := json.MarshalIndent(pipeline.OutcomeT{Outcome: out, Error: out.ErrorText()}, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(b))
	return out.Kind == xrc.OutcomeFailed
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "once":
		if len(args) < 3 {
			log.Fatal("once needs the path of a run request")
		}
		if failed := once(args[2]); failed {
			os.Exit(1)
		}
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
