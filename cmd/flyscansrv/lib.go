package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
	"github.com/tarm/serial"

	"github.com/mxlab/flyscan/analysis"
	"github.com/mxlab/flyscan/beamline"
	"github.com/mxlab/flyscan/detector"
	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/generichttp"
	"github.com/mxlab/flyscan/imgrec"
	"github.com/mxlab/flyscan/motion"
	"github.com/mxlab/flyscan/pipeline"
	"github.com/mxlab/flyscan/pmac"
	"github.com/mxlab/flyscan/runlog"
	"github.com/mxlab/flyscan/scpi"
	"github.com/mxlab/flyscan/server/middleware/locker"
	"github.com/mxlab/flyscan/util"
	"github.com/mxlab/flyscan/xrc"
)

// MotionSetup configures the grid motion controller
type MotionSetup struct {
	// Addr is the network or filesystem address of the controller, e.g.
	// 192.168.100.123:1025 or /dev/ttyS4
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// Baud is the serial baud rate
	Baud int `koanf:"Baud" yaml:"Baud"`

	CoordSystem int `koanf:"CoordSystem" yaml:"CoordSystem"`
	Program     int `koanf:"Program" yaml:"Program"`

	// periods and timeouts, in seconds
	PollPeriod      float64 `koanf:"PollPeriod" yaml:"PollPeriod"`
	CounterPeriod   float64 `koanf:"CounterPeriod" yaml:"CounterPeriod"`
	KickoffTimeout  float64 `koanf:"KickoffTimeout" yaml:"KickoffTimeout"`
	CompleteTimeout float64 `koanf:"CompleteTimeout" yaml:"CompleteTimeout"`

	// ReadPoints are the frames after which ancillary signals are read
	ReadPoints []int `koanf:"ReadPoints" yaml:"ReadPoints"`

	// DefaultStepCounter is written to the step counter after a scan
	DefaultStepCounter int `koanf:"DefaultStepCounter" yaml:"DefaultStepCounter"`

	// Limits are the travel limits of the simulated program
	Limits map[string]util.Limiter `koanf:"Limits" yaml:"Limits"`
}

// DetectorSetup configures the detector
type DetectorSetup struct {
	// Addr is the base URL of the detector REST interface
	Addr string `koanf:"Addr" yaml:"Addr"`

	// ArmTimeout is in seconds
	ArmTimeout float64 `koanf:"ArmTimeout" yaml:"ArmTimeout"`

	// CountTime is the per-frame exposure in seconds, zero to leave alone
	CountTime float64 `koanf:"CountTime" yaml:"CountTime"`

	Streaming bool `koanf:"Streaming" yaml:"Streaming"`
}

// AnalysisSetup configures the analysis service client
type AnalysisSetup struct {
	// Addr is the base URL of the service
	Addr string `koanf:"Addr" yaml:"Addr"`

	// PollPeriod and FetchTimeout are in seconds
	PollPeriod   float64 `koanf:"PollPeriod" yaml:"PollPeriod"`
	FetchTimeout float64 `koanf:"FetchTimeout" yaml:"FetchTimeout"`
}

// SignalSetup names one ancillary signal
type SignalSetup struct {
	// Label is the key the reading is stored under
	Label string `koanf:"Label" yaml:"Label"`

	// Query is the SCPI query that reads the signal
	Query string `koanf:"Query" yaml:"Query"`

	// When is "pre" or "during"
	When string `koanf:"When" yaml:"When"`

	// Sim is the value used in mock mode
	Sim float64 `koanf:"Sim" yaml:"Sim"`
}

// TriggerSetup configures the trigger distribution box and the ancillary
// signal instrument
type TriggerSetup struct {
	// Addr is the address of the trigger box, empty if there is none
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Output is the box output cabled to the detector
	Output int `koanf:"Output" yaml:"Output"`

	// SignalsAddr is the address of the SCPI instrument the signals are
	// read from
	SignalsAddr string `koanf:"SignalsAddr" yaml:"SignalsAddr"`

	Signals []SignalSetup `koanf:"Signals" yaml:"Signals"`
}

// RecorderSetup configures the FITS result map recorder
type RecorderSetup struct {
	// Root is the root folder to write to, empty to disable
	Root string `koanf:"Root" yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

// Config is the configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Root is the URL the pipeline is served under
	Root string `koanf:"Root" yaml:"Root"`

	// Mock wires simulated devices in place of hardware
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// RunLog is the path of the sqlite run log, empty to disable
	RunLog string `koanf:"RunLog" yaml:"RunLog"`

	// Hooks is the default hook set, "step" or "sequence"
	Hooks string `koanf:"Hooks" yaml:"Hooks"`

	// CleanupTimeout is in seconds
	CleanupTimeout float64 `koanf:"CleanupTimeout" yaml:"CleanupTimeout"`

	Motion   MotionSetup   `koanf:"Motion" yaml:"Motion"`
	Detector DetectorSetup `koanf:"Detector" yaml:"Detector"`
	Analysis AnalysisSetup `koanf:"Analysis" yaml:"Analysis"`
	Trigger  TriggerSetup  `koanf:"Trigger" yaml:"Trigger"`
	Recorder RecorderSetup `koanf:"Recorder" yaml:"Recorder"`
}

// DefaultConfig is the configuration used when no file is present
func DefaultConfig() Config {
	m := motion.DefaultConfig()
	return Config{
		Addr:           ":8000",
		Root:           "/flyscan",
		Mock:           true,
		RunLog:         "flyscan.db",
		Hooks:          "step",
		CleanupTimeout: 30,
		Motion: MotionSetup{
			Addr:            "192.168.100.10:1025",
			Baud:            115200,
			CoordSystem:     2,
			Program:         1,
			PollPeriod:      m.PollPeriod.Seconds(),
			CounterPeriod:   m.CounterPeriod.Seconds(),
			KickoffTimeout:  m.KickoffTimeout.Seconds(),
			CompleteTimeout: m.CompleteTimeout.Seconds(),
			ReadPoints:      m.ReadPoints,
			Limits: map[string]util.Limiter{
				"x": {Min: -5, Max: 5},
				"y": {Min: -5, Max: 5},
				"z": {Min: -5, Max: 5},
			},
		},
		Detector: DetectorSetup{
			Addr:       "http://192.168.100.20",
			ArmTimeout: 10,
			Streaming:  true,
		},
		Analysis: AnalysisSetup{
			Addr:         "http://localhost:8010",
			PollPeriod:   0.1,
			FetchTimeout: 60,
		},
		Trigger: TriggerSetup{
			Output: 1,
			Signals: []SignalSetup{
				{Label: "energy_kev", Query: "MEASure:ENERgy?", When: "pre", Sim: 12.7},
				{Label: "slit_x_gap", Query: "MEASure:SLIT:XGAP?", When: "pre", Sim: 0.05},
				{Label: "flux", Query: "MEASure:FLUX?", When: "during", Sim: 3e12},
			},
		},
		Recorder: RecorderSetup{Prefix: "xrc_"},
	}
}

// LoadRequest reads a run request from a yaml file
func LoadRequest(path string) (pipeline.RunRequest, error) {
	req := pipeline.RunRequest{}
	f, err := os.Open(path)
	if err != nil {
		return req, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&req)
	return req, err
}

// Instrument is everything a run needs, built from a Config
type Instrument struct {
	Composite *pipeline.Composite
	Registry  *beamline.Registry
	Runs      *runlog.Store

	// Recorder saves result maps, nil if not configured
	Recorder *imgrec.Recorder

	// SimAnalysis is the simulated analysis service in mock mode
	SimAnalysis *analysis.MockService

	closers []func() error
}

// Close releases the connections of the instrument
func (in *Instrument) Close() {
	for _, f := range in.closers {
		if err := f(); err != nil {
			log.Println(err)
		}
	}
}

// simResults places one strong result at the middle of every segment
func simResults(runID string, segs []analysis.SegmentRun) []xrc.RawAnalysisResult {
	out := make([]xrc.RawAnalysisResult, 0, len(segs))
	for _, s := range segs {
		side := math.Sqrt(float64(s.FrameCount))
		c := side / 2
		out = append(out, xrc.RawAnalysisResult{
			CentreOfMass: [3]float64{c, c, 0.5},
			BoundingBox:  [2][3]int{{int(c) - 1, int(c) - 1, 0}, {int(c) + 1, int(c) + 1, 1}},
			MaxCount:     250,
			TotalCount:   5000 + 1000*s.Segment,
			Segment:      s.Segment,
		})
	}
	return out
}

// BuildInstrument wires the devices named in c
func BuildInstrument(c Config) (*Instrument, error) {
	in := &Instrument{}

	// motion
	var prog motion.Program
	if c.Mock {
		mp := motion.NewMockProgram()
		mp.Limits = c.Motion.Limits
		prog = mp
	} else {
		var serConf *serial.Config
		if c.Motion.Serial {
			serConf = &serial.Config{Name: c.Motion.Addr, Baud: c.Motion.Baud, ReadTimeout: time.Second}
		}
		ctl := pmac.NewController(c.Motion.Addr, serConf)
		ctl.CoordSystem = c.Motion.CoordSystem
		ctl.Program = c.Motion.Program
		prog = ctl
		in.closers = append(in.closers, ctl.Close)
	}
	mc := motion.NewController(prog, nil)
	mc.PollPeriod = util.SecsToDuration(c.Motion.PollPeriod)
	mc.CounterPeriod = util.SecsToDuration(c.Motion.CounterPeriod)
	mc.KickoffTimeout = util.SecsToDuration(c.Motion.KickoffTimeout)
	mc.CompleteTimeout = util.SecsToDuration(c.Motion.CompleteTimeout)
	mc.ReadPoints = c.Motion.ReadPoints
	mc.DefaultStepCounter = c.Motion.DefaultStepCounter

	// detector
	var det detector.Detector
	if c.Mock {
		det = &detector.MockDetector{ArmDelay: 50 * time.Millisecond}
	} else {
		det = detector.NewSimplon(c.Detector.Addr)
	}
	seq := detector.NewSequencer(det)
	seq.ArmTimeout = util.SecsToDuration(c.Detector.ArmTimeout)
	seq.CountTime = c.Detector.CountTime
	seq.Streaming = c.Detector.Streaming

	// analysis
	var svc analysis.Service
	if c.Mock {
		in.SimAnalysis = analysis.NewMockService(simResults)
		in.SimAnalysis.Delay = 100 * time.Millisecond
		svc = in.SimAnalysis
	} else {
		hs := analysis.NewHTTPService(c.Analysis.Addr)
		hs.PollPeriod = util.SecsToDuration(c.Analysis.PollPeriod)
		hs.FetchTimeout = util.SecsToDuration(c.Analysis.FetchTimeout)
		svc = hs
	}
	in.Composite = pipeline.NewComposite(mc, seq, analysis.NewCollector(svc))

	// trigger routing and ancillary signals
	var router beamline.TriggerRouter
	var reader device.SignalReader
	switch {
	case c.Mock:
		router = &beamline.MockRouter{}
		sim := &device.StaticReader{Values: map[string]float64{}}
		for _, s := range c.Trigger.Signals {
			sim.Values[s.Label] = s.Sim
		}
		reader = sim
	default:
		if c.Trigger.Addr != "" {
			r := beamline.NewSCPIRouter(c.Trigger.Addr, c.Trigger.Output)
			router = r
			in.closers = append(in.closers, r.RemoteDevice.Close)
		}
		if c.Trigger.SignalsAddr != "" {
			r := &beamline.SCPIReader{SCPI: scpi.New(c.Trigger.SignalsAddr, false), Queries: map[string]string{}}
			for _, s := range c.Trigger.Signals {
				r.Queries[s.Label] = s.Query
			}
			reader = r
			in.closers = append(in.closers, r.RemoteDevice.Close)
		}
	}
	reads := beamline.Ancillary{
		Pre:    device.ReadSet{Name: "pre"},
		During: device.ReadSet{Name: "during"},
	}
	if reader != nil {
		for _, s := range c.Trigger.Signals {
			sig := device.Signal{Label: s.Label, Name: s.Label, Reader: reader}
			switch strings.ToLower(s.When) {
			case "pre":
				reads.Pre.Signals = append(reads.Pre.Signals, sig)
			case "during":
				reads.During.Signals = append(reads.During.Signals, sig)
			default:
				return nil, fmt.Errorf("signal %s: When must be pre or during, got %q", s.Label, s.When)
			}
		}
	}
	step := beamline.NewStepTriggered(router, reads)
	step.ReadPoints = c.Motion.ReadPoints
	in.Registry = beamline.NewRegistry(c.Hooks)
	in.Registry.Register("step", step)
	in.Registry.Register("sequence", beamline.NewSequenceTriggered(router, reads))
	if _, err := in.Registry.Lookup(""); err != nil {
		return nil, err
	}

	if c.Recorder.Root != "" {
		in.Recorder = imgrec.New(c.Recorder.Root, c.Recorder.Prefix)
	}
	if c.RunLog != "" {
		store, err := runlog.Open(c.RunLog)
		if err != nil {
			return nil, fmt.Errorf("opening run log %s: %w", c.RunLog, err)
		}
		in.Runs = store
		in.closers = append(in.closers, store.Close)
	}
	return in, nil
}

// logOutcome is a publisher that writes the best centre to the log
func logOutcome(ctx context.Context, o xrc.Outcome) error {
	switch o.Kind {
	case xrc.OutcomeResults:
		best := xrc.Best(o.Results)[0]
		log.Printf("run %s: %d centres, best at %.4f,%.4f,%.4f mm (total count %d)",
			o.RunID, len(o.Results), best.CentreOfMassMm.X, best.CentreOfMassMm.Y, best.CentreOfMassMm.Z, best.TotalCount)
	case xrc.OutcomeNoDiffraction:
		log.Printf("run %s: no diffraction found", o.RunID)
	default:
		log.Printf("run %s failed: %s", o.RunID, o.ErrorText())
	}
	return nil
}

// NewOrchestrator builds the orchestrator publishing to the log and, if
// configured, the run log and the result map recorder
func NewOrchestrator(c Config, in *Instrument) *pipeline.Orchestrator {
	pubs := []pipeline.Publisher{pipeline.PublisherFunc(logOutcome)}
	if in.Runs != nil {
		pubs = append(pubs, in.Runs)
	}
	if in.Recorder != nil {
		pubs = append(pubs, in.Recorder)
	}
	o := pipeline.NewOrchestrator(pubs...)
	if c.CleanupTimeout > 0 {
		o.CleanupTimeout = util.SecsToDuration(c.CleanupTimeout)
	}
	return o
}

// BuildMux builds the HTTP interface of the pipeline.  The pipeline routes
// are served under c.Root behind an operator lock; the motion status routes
// are not locked.  In mock mode the simulated analysis service is served at
// /sim/analysis.
func BuildMux(c Config, in *Instrument, o *pipeline.Orchestrator) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	var runs pipeline.RunLog
	if in.Runs != nil {
		runs = in.Runs
	}
	w := pipeline.NewHTTPWrapper(o, in.Composite, in.Registry.Lookup, runs)
	lock := locker.New()
	locker.Inject(w, lock)
	if in.Recorder != nil {
		imgrec.NewHTTPWrapper(in.Recorder).Inject(w)
	}

	mw := motion.NewHTTPWrapper(in.Composite.Motion)

	mux := chi.NewRouter()
	mux.Use(lock.Check)
	w.RT().Bind(mux)
	mw.RT().Bind(mux)
	mux.Get("/route-list", func(rw http.ResponseWriter, r *http.Request) {
		rt := generichttp.RouteTable{}
		for _, h := range []generichttp.HTTPer{w, mw} {
			for k, v := range h.RT() {
				rt[k] = v
			}
		}
		generichttp.EncodeJSON(rw, rt.Endpoints())
	})
	root.Mount(generichttp.SubMuxSanitize(c.Root), mux)

	if in.SimAnalysis != nil {
		root.Mount("/sim/analysis", analysis.NewHandler(in.SimAnalysis))
	}
	return root
}

// listenURL turns a listen address like ":8000" into a dialable URL
func listenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
